package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhoneMetadata(t *testing.T) {
	n := New("US")

	t.Run("valid us number", func(t *testing.T) {
		info := n.PhoneMetadata("(415) 555-2671")
		assert.True(t, info.Valid)
		assert.Equal(t, "+14155552671", info.Normalized)
		assert.Equal(t, "US", info.Country)
		assert.Equal(t, int32(1), info.CountryCode)
		assert.Equal(t, uint64(4155552671), info.NationalNumber)
		assert.NotEmpty(t, info.NumberType)
	})

	t.Run("unparseable", func(t *testing.T) {
		assert.Equal(t, PhoneInfo{}, n.PhoneMetadata("hello"))
		assert.Equal(t, PhoneInfo{}, n.PhoneMetadata("  "))
	})
}

func TestIsValidPhone(t *testing.T) {
	n := New("US")

	assert.True(t, n.IsValidPhone("+14155552671"))
	assert.True(t, n.IsValidPhone("+44 20 7183 8750"))
	assert.False(t, n.IsValidPhone(""))
	assert.False(t, n.IsValidPhone("not a phone"))
	assert.False(t, n.IsValidPhone("+1 555 555 5555"))
}

func TestFormatPhoneDisplay(t *testing.T) {
	n := New("US")

	assert.Equal(t, "+1 415-555-2671", n.FormatPhoneDisplay("+14155552671", PhoneFormatInternational))
	assert.Equal(t, "(415) 555-2671", n.FormatPhoneDisplay("+14155552671", PhoneFormatNational))
	assert.Equal(t, "+14155552671", n.FormatPhoneDisplay("415 555 2671", PhoneFormatE164))
	assert.Equal(t, "+1 415-555-2671", n.FormatPhoneDisplay("+14155552671", PhoneFormat("other")))
	assert.Equal(t, "garbage", n.FormatPhoneDisplay("garbage", PhoneFormatNational))
	assert.Equal(t, "", n.FormatPhoneDisplay("", PhoneFormatNational))
}

func TestIsValidEmail(t *testing.T) {
	assert.True(t, IsValidEmail("Jane <jane@example.com>"))
	assert.False(t, IsValidEmail("jane@"))
}
