package normalizers

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// PhoneFormat selects the output style of FormatPhoneDisplay.
type PhoneFormat string

const (
	PhoneFormatInternational PhoneFormat = "INTERNATIONAL"
	PhoneFormatNational      PhoneFormat = "NATIONAL"
	PhoneFormatE164          PhoneFormat = "E164"
)

// PhoneInfo describes a parsed phone number.
type PhoneInfo struct {
	Normalized     string `json:"normalized"`
	Valid          bool   `json:"valid"`
	Country        string `json:"country,omitempty"`
	CountryCode    int32  `json:"country_code,omitempty"`
	NationalNumber uint64 `json:"national_number,omitempty"`
	NumberType     string `json:"number_type,omitempty"`
}

var numberTypeNames = map[phonenumbers.PhoneNumberType]string{
	phonenumbers.FIXED_LINE:           "fixed_line",
	phonenumbers.MOBILE:               "mobile",
	phonenumbers.FIXED_LINE_OR_MOBILE: "fixed_or_mobile",
	phonenumbers.TOLL_FREE:            "toll_free",
	phonenumbers.PREMIUM_RATE:         "premium_rate",
	phonenumbers.SHARED_COST:          "shared_cost",
	phonenumbers.VOIP:                 "voip",
	phonenumbers.PERSONAL_NUMBER:      "personal",
	phonenumbers.PAGER:                "pager",
	phonenumbers.UAN:                  "uan",
	phonenumbers.VOICEMAIL:            "voicemail",
	phonenumbers.UNKNOWN:              "unknown",
}

// PhoneMetadata parses s and reports what is known about it. Unparseable input yields a zero PhoneInfo.
func (n *Normalizer) PhoneMetadata(s string) PhoneInfo {
	var info PhoneInfo
	if strings.TrimSpace(s) == "" {
		return info
	}
	num, err := n.parsePhone(s)
	if err != nil {
		return info
	}

	info.Valid = phonenumbers.IsValidNumber(num)
	info.Normalized = phonenumbers.Format(num, phonenumbers.E164)
	info.CountryCode = num.GetCountryCode()
	info.NationalNumber = num.GetNationalNumber()
	info.Country = phonenumbers.GetRegionCodeForNumber(num)
	if name, ok := numberTypeNames[phonenumbers.GetNumberType(num)]; ok {
		info.NumberType = name
	} else {
		info.NumberType = "unknown"
	}
	return info
}

// IsValidPhone reports whether s parses to a number valid for its region. Stricter than NormalizePhone.
func (n *Normalizer) IsValidPhone(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	num, err := n.parsePhone(s)
	if err != nil {
		return false
	}
	return phonenumbers.IsValidNumber(num)
}

// FormatPhoneDisplay renders s for display. Input that cannot be parsed is returned unchanged.
func (n *Normalizer) FormatPhoneDisplay(s string, format PhoneFormat) string {
	if s == "" {
		return ""
	}
	num, err := n.parsePhone(s)
	if err != nil {
		return s
	}
	switch format {
	case PhoneFormatNational:
		return phonenumbers.Format(num, phonenumbers.NATIONAL)
	case PhoneFormatE164:
		return phonenumbers.Format(num, phonenumbers.E164)
	default:
		return phonenumbers.Format(num, phonenumbers.INTERNATIONAL)
	}
}
