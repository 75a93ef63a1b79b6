package privacy

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/raaihank/pii-guard/internal/entity"
)

// GetDefaultRules returns the built-in rule set in precedence order. When two
// rules match overlapping spans the earlier rule wins.
func GetDefaultRules() []DetectionRule {
	return []DetectionRule{
		{
			Name:       "ssn",
			Type:       entity.TypeSSN,
			Pattern:    regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Confidence: entity.ConfidenceHigh,
			Validator:  validSSN,
		},
		// Grouped card forms are 4-4-4-4 or 4-6-5 with one separator and end
		// at the last group; other lengths must be contiguous.
		{
			Name:       "credit_card",
			Type:       entity.TypeCreditCard,
			Pattern:    regexp.MustCompile(`\b(?:\d{4} \d{4} \d{4} \d{4}|\d{4}-\d{4}-\d{4}-\d{4}|\d{4} \d{6} \d{5}|\d{4}-\d{6}-\d{5}|\d{13,19})\b`),
			Confidence: entity.ConfidenceHigh,
			Validator:  validCardNumber,
		},
		{
			Name:       "email",
			Type:       entity.TypeEmail,
			Pattern:    regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			Confidence: entity.ConfidenceHigh,
		},
		{
			Name:       "phone",
			Type:       entity.TypePhone,
			Pattern:    regexp.MustCompile(`(?:\(\d{3}\)\s?|\b\d{3}[\-.\s])\d{3}[\-.\s]\d{4}\b`),
			Confidence: entity.ConfidenceMedium,
		},
		{
			Name:       "ip_address",
			Type:       entity.TypeIPAddress,
			Pattern:    regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			Confidence: entity.ConfidenceMedium,
			Validator:  validIPv4,
		},
		{
			Name:       "date_of_birth",
			Type:       entity.TypeDateOfBirth,
			Pattern:    regexp.MustCompile(`(?i)\b(?:dob|date of birth|born(?: on)?)[:\s]+(\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4}|\d{4}-\d{2}-\d{2})\b`),
			Confidence: entity.ConfidenceMedium,
			Group:      1,
		},
		{
			Name:       "account_number",
			Type:       entity.TypeAccountNumber,
			Pattern:    regexp.MustCompile(`(?i)\b(?:account|acct)(?:\s+(?:number|no\.?))?[\s:#]+(\d{8,17})\b`),
			Confidence: entity.ConfidenceMedium,
			Group:      1,
		},
		{
			Name:       "national_id",
			Type:       entity.TypeNationalID,
			Pattern:    regexp.MustCompile(`\b\d{9}\b`),
			Confidence: entity.ConfidenceLow,
		},
		{
			Name:       "person",
			Type:       entity.TypePerson,
			Pattern:    regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Miss|Dr|Prof)\.?\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`),
			Confidence: entity.ConfidenceLow,
			Group:      1,
		},
	}
}

// validSSN rejects area numbers 000, 666 and 9xx, group 00 and serial 0000.
func validSSN(match string) bool {
	parts := strings.Split(match, "-")
	if len(parts) != 3 {
		return false
	}
	area, group, serial := parts[0], parts[1], parts[2]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

// validCardNumber requires 13-19 digits and a passing Luhn checksum.
func validCardNumber(match string) bool {
	digits := make([]int, 0, len(match))
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func validIPv4(match string) bool {
	octets := strings.Split(match, ".")
	if len(octets) != 4 {
		return false
	}
	for _, o := range octets {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}
