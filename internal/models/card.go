package models

// CardRecord holds the printed fields of a Japanese health-insurance card.
// Every field is always present; an unreadable field is the empty string.
type CardRecord struct {
	Name                string `json:"name"`
	Birthdate           string `json:"birthdate"`
	Gender              string `json:"gender"`
	InsuranceNumber     string `json:"insuranceNumber"`
	SymbolNumber        string `json:"symbolNumber"`
	ExpirationDate      string `json:"expirationDate"`
	HealthInsuranceType string `json:"healthInsuranceType"`
}

// CardFields lists the record keys in the order the card prints them.
var CardFields = []string{
	"name",
	"birthdate",
	"gender",
	"insuranceNumber",
	"symbolNumber",
	"expirationDate",
	"healthInsuranceType",
}

// Set assigns value to the field with the given key and reports whether the
// key is one of CardFields.
func (r *CardRecord) Set(key, value string) bool {
	switch key {
	case "name":
		r.Name = value
	case "birthdate":
		r.Birthdate = value
	case "gender":
		r.Gender = value
	case "insuranceNumber":
		r.InsuranceNumber = value
	case "symbolNumber":
		r.SymbolNumber = value
	case "expirationDate":
		r.ExpirationDate = value
	case "healthInsuranceType":
		r.HealthInsuranceType = value
	default:
		return false
	}
	return true
}

// Get returns the value stored under key, or "" for unknown keys.
func (r CardRecord) Get(key string) string {
	switch key {
	case "name":
		return r.Name
	case "birthdate":
		return r.Birthdate
	case "gender":
		return r.Gender
	case "insuranceNumber":
		return r.InsuranceNumber
	case "symbolNumber":
		return r.SymbolNumber
	case "expirationDate":
		return r.ExpirationDate
	case "healthInsuranceType":
		return r.HealthInsuranceType
	}
	return ""
}
