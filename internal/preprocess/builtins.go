package preprocess

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Built-in function names.
const (
	FuncTrim               = "trim"
	FuncUpper              = "upper"
	FuncLower              = "lower"
	FuncCollapseWhitespace = "collapse_whitespace"
	FuncPersonName         = "person_name"
	FuncModality           = "modality"
	FuncDICOMDate          = "dicom_date"
	FuncDateMonth          = "date_month"
	FuncDateYear           = "date_year"
	FuncNumeric            = "numeric"
	FuncAgeYears           = "age_years"
	FuncStripLeadingZeros  = "strip_leading_zeros"
)

var builtins = map[string]Func{
	FuncTrim:               trim,
	FuncUpper:              upper,
	FuncLower:              lower,
	FuncCollapseWhitespace: collapseWhitespace,
	FuncPersonName:         personName,
	FuncModality:           modality,
	FuncDICOMDate:          dicomDate,
	FuncDateMonth:          dateMonth,
	FuncDateYear:           dateYear,
	FuncNumeric:            numeric,
	FuncAgeYears:           ageYears,
	FuncStripLeadingZeros:  stripLeadingZeros,
}

// dateLayouts are tried in order by ParseDate.
var dateLayouts = []string{"20060102", "2006-01-02", "2006.01.02", "2006/01/02"}

// ParseDate parses the DICOM DA form (YYYYMMDD) and the common separated forms.
func ParseDate(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if len(v) != len(layout) {
			continue
		}
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}

func trim(v string, _ Context) (string, error)  { return strings.TrimSpace(v), nil }
func upper(v string, _ Context) (string, error) { return strings.ToUpper(v), nil }
func lower(v string, _ Context) (string, error) { return strings.ToLower(v), nil }

func collapseWhitespace(v string, _ Context) (string, error) {
	return strings.Join(strings.Fields(v), " "), nil
}

// foldAccents strips combining marks: "Müller" -> "Muller".
func foldAccents(v string) (string, error) {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, v)
	return out, err
}

// personName normalizes a DICOM PN value. Component groups are separated by
// '=' and only the alphabetic group is kept; components are
// Family^Given^Middle^Prefix^Suffix and come out as "GIVEN MIDDLE FAMILY".
// Values without '^' are treated as free text.
func personName(v string, _ Context) (string, error) {
	group, _, _ := strings.Cut(v, "=")
	var words []string
	if strings.Contains(group, "^") {
		parts := strings.Split(group, "^")
		family := parts[0]
		var given, middle string
		if len(parts) > 1 {
			given = parts[1]
		}
		if len(parts) > 2 {
			middle = parts[2]
		}
		for _, p := range []string{given, middle, family} {
			words = append(words, strings.Fields(p)...)
		}
	} else {
		words = strings.Fields(group)
	}
	folded, err := foldAccents(strings.Join(words, " "))
	if err != nil {
		return "", err
	}
	return strings.ToUpper(folded), nil
}

var modalityAliases = map[string]string{
	"MRI":         "MR",
	"CAT":         "CT",
	"CT SCAN":     "CT",
	"PET":         "PT",
	"ULTRASOUND":  "US",
	"X-RAY":       "CR",
	"XRAY":        "CR",
	"MAMMOGRAPHY": "MG",
	"MAMMO":       "MG",
	"NUCLEAR":     "NM",
	"ANGIO":       "XA",
}

func modality(v string, _ Context) (string, error) {
	m := strings.ToUpper(strings.Join(strings.Fields(v), " "))
	if m == "" {
		return "", fmt.Errorf("empty modality")
	}
	if canonical, ok := modalityAliases[m]; ok {
		return canonical, nil
	}
	return m, nil
}

func dicomDate(v string, _ Context) (string, error) {
	t, err := ParseDate(v)
	if err != nil {
		return "", err
	}
	return t.Format("2006-01-02"), nil
}

func dateMonth(v string, _ Context) (string, error) {
	// Already bucketed values pass through so the chain stays idempotent.
	if t, err := time.Parse("2006-01", strings.TrimSpace(v)); err == nil {
		return t.Format("2006-01"), nil
	}
	t, err := ParseDate(v)
	if err != nil {
		return "", err
	}
	return t.Format("2006-01"), nil
}

func dateYear(v string, _ Context) (string, error) {
	s := strings.TrimSpace(v)
	if len(s) == 4 {
		if _, err := strconv.Atoi(s); err == nil {
			return s, nil
		}
	}
	t, err := ParseDate(s)
	if err != nil {
		return "", err
	}
	return t.Format("2006"), nil
}

func numeric(v string, _ Context) (string, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return "", fmt.Errorf("not a number: %q", v)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// dicomAge matches the DICOM AS value representation, e.g. "045Y", "006M".
var dicomAge = regexp.MustCompile(`^(\d{3})([DWMY])$`)

// plainYears matches an already-converted age; it keeps the function idempotent.
var plainYears = regexp.MustCompile(`^\d{1,3}$`)

// ageYears converts either a DICOM AS string or a birth date (relative to the
// context date) into whole years.
func ageYears(v string, ctx Context) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	if plainYears.MatchString(s) {
		n, _ := strconv.Atoi(s)
		return strconv.Itoa(n), nil
	}
	if m := dicomAge.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "Y":
			return strconv.Itoa(n), nil
		case "M":
			return strconv.Itoa(n / 12), nil
		case "W":
			return strconv.Itoa(n / 52), nil
		default:
			return strconv.Itoa(n / 365), nil
		}
	}

	birth, err := ParseDate(s)
	if err != nil {
		return "", err
	}
	if ctx.Date.IsZero() {
		return "", fmt.Errorf("age from birth date needs a context date")
	}
	if ctx.Date.Before(birth) {
		return "", fmt.Errorf("birth date %s after context date %s",
			birth.Format("2006-01-02"), ctx.Date.Format("2006-01-02"))
	}
	years := ctx.Date.Year() - birth.Year()
	if ctx.Date.Month() < birth.Month() ||
		(ctx.Date.Month() == birth.Month() && ctx.Date.Day() < birth.Day()) {
		years--
	}
	return strconv.Itoa(years), nil
}

func stripLeadingZeros(v string, _ Context) (string, error) {
	s := strings.TrimLeft(strings.TrimSpace(v), "0")
	if s == "" && strings.TrimSpace(v) != "" {
		return "0", nil
	}
	return s, nil
}
