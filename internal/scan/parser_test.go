package scan

import (
	"encoding/json"
	"testing"

	"cardscan/internal/models"
)

const fullAnswer = `{"name":"山田太郎","birthdate":"1980-01-01","gender":"男性（AIによる判断）","insuranceNumber":"12345678","symbolNumber":"123・456","expirationDate":"2026-03-31","healthInsuranceType":"国民健康保険"}`

func TestParseAnswerStrictJSON(t *testing.T) {
	record, err := ParseAnswer(fullAnswer)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := models.CardRecord{
		Name:                "山田太郎",
		Birthdate:           "1980-01-01",
		Gender:              "男性（AIによる判断）",
		InsuranceNumber:     "12345678",
		SymbolNumber:        "123・456",
		ExpirationDate:      "2026-03-31",
		HealthInsuranceType: "国民健康保険",
	}
	if record != want {
		t.Fatalf("record mismatch:\nwant %+v\ngot  %+v", want, record)
	}
}

func TestParseAnswerObjectLiteral(t *testing.T) {
	answer := `{name: '山田太郎', birthdate: '', gender: '男性（AIによる判断）', insuranceNumber: '12345678', symbolNumber: '', expirationDate: '', healthInsuranceType: '国民健康保険'}`
	record, err := ParseAnswer(answer)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if record.Name != "山田太郎" || record.InsuranceNumber != "12345678" || record.HealthInsuranceType != "国民健康保険" {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.Birthdate != "" || record.SymbolNumber != "" || record.ExpirationDate != "" {
		t.Fatalf("empty fields should stay empty: %+v", record)
	}
}

func TestParseAnswerRecords(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   models.CardRecord
	}{
		{
			name:   "literal with two empty fields",
			answer: `{name: '山田太郎', birthdate: '1990-01-01', gender: '', insuranceNumber: '12345678', symbolNumber: '', expirationDate: '2025-12-31', healthInsuranceType: '協会けんぽ'}`,
			want: models.CardRecord{
				Name:                "山田太郎",
				Birthdate:           "1990-01-01",
				InsuranceNumber:     "12345678",
				ExpirationDate:      "2025-12-31",
				HealthInsuranceType: "協会けんぽ",
			},
		},
		{
			name:   "five of seven keys",
			answer: `{"name": "鈴木一郎", "birthdate": "昭和60年4月1日", "insuranceNumber": "0012", "expirationDate": "令和9年3月31日", "healthInsuranceType": "組合管掌健康保険"}`,
			want: models.CardRecord{
				Name:                "鈴木一郎",
				Birthdate:           "昭和60年4月1日",
				InsuranceNumber:     "0012",
				ExpirationDate:      "令和9年3月31日",
				HealthInsuranceType: "組合管掌健康保険",
			},
		},
		{
			name:   "surrogate pair escape",
			answer: `{"name": "\ud842\udfb7野家"}`,
			want:   models.CardRecord{Name: "𠮷野家"},
		},
		{
			name:   "escaped solidus",
			answer: `{"symbolNumber": "123\/456"}`,
			want:   models.CardRecord{SymbolNumber: "123/456"},
		},
		{
			name:   "duplicate key keeps last",
			answer: `{"gender": "男", "gender": "女"}`,
			want:   models.CardRecord{Gender: "女"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAnswer(tt.answer)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tt.want {
				t.Fatalf("record mismatch:\nwant %+v\ngot  %+v", tt.want, got)
			}
		})
	}
}

func TestParseAnswerMultilineLiteralWithTrailingComma(t *testing.T) {
	answer := "{\n    name: '佐藤花子',\n    gender: '女性（AIによる判断）',\n}"
	record, err := ParseAnswer(answer)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if record.Name != "佐藤花子" || record.Gender != "女性（AIによる判断）" {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestParseAnswerIgnoresWhitespaceAndFences(t *testing.T) {
	base, err := ParseAnswer(fullAnswer)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	variants := []string{
		"  \n" + fullAnswer + "\n\t ",
		"```json\n" + fullAnswer + "\n```",
		"```\n" + fullAnswer + "\n```",
		"\n~~~\n" + fullAnswer + "\n~~~\n",
	}
	for _, v := range variants {
		got, err := ParseAnswer(v)
		if err != nil {
			t.Fatalf("parse %q: %v", v, err)
		}
		if got != base {
			t.Fatalf("wrapped answer %q parsed differently: %+v", v, got)
		}
	}
}

func TestParseAnswerMissingAndUnknownKeys(t *testing.T) {
	record, err := ParseAnswer(`{"name": "山田太郎", "bloodType": "A", "notes": {"x": 1}}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if record.Name != "山田太郎" {
		t.Fatalf("name not kept: %+v", record)
	}
	for _, key := range models.CardFields[1:] {
		if v := record.Get(key); v != "" {
			t.Fatalf("missing key %s should be empty, got %q", key, v)
		}
	}

	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != len(models.CardFields) {
		t.Fatalf("expected %d keys, got %d: %s", len(models.CardFields), len(out), data)
	}
	for _, key := range models.CardFields {
		if _, ok := out[key]; !ok {
			t.Fatalf("key %s missing from %s", key, data)
		}
	}
}

func TestParseAnswerScalarsVerbatim(t *testing.T) {
	record, err := ParseAnswer(`{"insuranceNumber": 1234, "birthdate": 1990-01-02, "gender": null, "symbolNumber": ["a"], "expirationDate": "令和8年3月31日"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if record.InsuranceNumber != "1234" {
		t.Fatalf("number not kept verbatim: %q", record.InsuranceNumber)
	}
	if record.Birthdate != "1990-01-02" {
		t.Fatalf("date not kept verbatim: %q", record.Birthdate)
	}
	if record.Gender != "" || record.SymbolNumber != "" {
		t.Fatalf("null and list values should be empty: %+v", record)
	}
	if record.ExpirationDate != "令和8年3月31日" {
		t.Fatalf("unexpected expiration %q", record.ExpirationDate)
	}
}

func TestParseAnswerMalformed(t *testing.T) {
	answers := []string{
		"",
		"   ",
		"I could not read the card.",
		`JSON {"name": "x"}`,
		`{"name": "山田太郎"`,
		`{"name": "山田太郎" "gender": "男性"}`,
		`["山田太郎"]`,
		"```\nnot structured\n```",
		"これは健康保険証の画像ではありません。",
		"{\"name\":\"a\"}\n---\nI am not sure what this card says}",
		`{"name":"a"} # trailing comment }`,
		`{"name":"a"} {"name":"b"}`,
		"{name: 'a'}\n---\n{name: 'b'}",
		`{name: 'a'} # trailing comment }`,
	}
	for _, answer := range answers {
		_, err := ParseAnswer(answer)
		if err == nil {
			t.Fatalf("expected failure for %q", answer)
		}
		f, ok := AsFailure(err)
		if !ok || f.Kind != KindMalformedAnswer {
			t.Fatalf("expected malformed answer failure for %q, got %v", answer, err)
		}
		if f.RawAnswer != answer {
			t.Fatalf("raw answer not preserved: want %q got %q", answer, f.RawAnswer)
		}
	}
}

func TestParseAnswerDeterministic(t *testing.T) {
	first, err := ParseAnswer(fullAnswer)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for i := 0; i < 5; i++ {
		got, err := ParseAnswer(fullAnswer)
		if err != nil || got != first {
			t.Fatalf("parse %d differs: %+v %v", i, got, err)
		}
	}
}
