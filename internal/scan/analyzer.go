package scan

import "context"

// ExtractionInstruction is sent with every image. Its wording and the field
// names it lists must stay in sync with models.CardFields and ParseAnswer.
const ExtractionInstruction = `### 命令
この健康保険証の画像から以下の情報を抽出してください：名前、生年月日、性別、保険者番号、記号・番号、有効期限、健康保険の種類
性別の項目は画像から判断してください。出力例：女性（AIによる判断）
### 制約
・下記の【JSONデータフォーマット】のみを出力すること
・JSONという文字も出力しないこと
・コードブロックで囲まないこと
・JSONデータ以外のテキストを絶対に出力しないこと
・項目の値が抽出できない場合は空文字列として出力すること
### JSONデータフォーマット
{
  "name": "",
  "birthdate": "",
  "gender": "",
  "insuranceNumber": "",
  "symbolNumber": "",
  "expirationDate": "",
  "healthInsuranceType": ""
}`

// DefaultMIMEType is assumed when a staged image carries no type.
const DefaultMIMEType = "image/png"

// ExtractionRequest is what an Analyzer receives for one image.
type ExtractionRequest struct {
	Image       *StagedImage
	Instruction string
}

// NewExtractionRequest pairs img with the fixed extraction instruction.
func NewExtractionRequest(img *StagedImage) ExtractionRequest {
	return ExtractionRequest{Image: img, Instruction: ExtractionInstruction}
}

// MIMEType returns the image type to declare to the provider.
func (r ExtractionRequest) MIMEType() string {
	if r.Image == nil || r.Image.MIMEType == "" {
		return DefaultMIMEType
	}
	return r.Image.MIMEType
}

// Analyzer sends an image and instruction to a multimodal model and returns
// the model's text answer verbatim. Implementations must be safe for
// concurrent use and must not retry; failures are returned as *ProviderError.
type Analyzer interface {
	Name() string
	Model() string
	Analyze(ctx context.Context, req ExtractionRequest) (string, error)
}
