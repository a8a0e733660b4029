package runfile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Dialect is the instrument family a runfile is written for.
type Dialect string

const (
	// Broadband is the RSR spectrometer dialect.
	Broadband Dialect = "broadband"
	// Mapping is the SEQUOIA focal-plane array dialect.
	Mapping Dialect = "mapping"
)

// ParseDialect maps an instrument label to its dialect. Instrument names
// (rsr, sequoia) are accepted alongside the dialect names.
func ParseDialect(instrument string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(instrument)) {
	case "broadband", "rsr":
		return Broadband, nil
	case "mapping", "sequoia":
		return Mapping, nil
	default:
		return "", fmt.Errorf("unknown instrument %q", instrument)
	}
}

type checkFunc func(string) error

type dialectSchema struct {
	dialect Dialect
	// fields maps each dialect-specific key to its value check. A nil check
	// accepts any value.
	fields map[string]checkFunc
}

var schemas = map[Dialect]*dialectSchema{
	Broadband: {
		dialect: Broadband,
		fields: map[string]checkFunc{
			"xlines":    numberPairs,
			"x_lines":   numberPairs,
			"badcb":     intSlashPairs,
			"srdp":      oneOf("0", "1"),
			"admit":     oneOf("0", "1"),
			"speczoom":  numberPair,
			"bank":      oneOf("0", "1"),
			"jitter":    oneOf("0", "1"),
			"badlags":   nil,
			"shortlags": numberPair,
			"spike":     numberAtLeast(0),
			"linecheck": oneOf("0", "1"),
			"bandzoom":  intRange(0, 5),
			"rthr":      numberRange(0, 1),
			"scthr":     numberRange(0, 1),
			"cthr":      numberRange(0, 1),
			"sgf":       sgf,
			"notch":     intRange(0, 1<<20),
			"blo":       intRange(0, 1<<20),
			"bandstats": oneOf("0", "1"),
		},
	},
	Mapping: {
		dialect: Mapping,
		fields: map[string]checkFunc{
			"beam":           intRange(1, 4),
			"pixels":         pixelSet,
			"pix_list":       pixelSet,
			"px_list":        pixelSet,
			"exclude_beams":  pixelSet,
			"dv":             numberAtLeast(0),
			"dw":             numberAtLeast(0),
			"extent":         numberAtLeast(0),
			"resolution":     numberAtLeast(0),
			"cell":           numberAtLeast(0),
			"rms_cut":        nil,
			"b_regions":      nil,
			"l_regions":      nil,
			"slice":          nil,
			"b_order":        intRange(0, 20),
			"baseline_order": intRange(0, 20),
			"stype":          intRange(0, 2),
			"otf_cal":        oneOf("0", "1"),
			"otf_select":     intRange(0, 2),
			"birdie":         nil,
			"edge":           oneOf("0", "1"),
			"restart":        oneOf("0", "1"),
			"cleanup":        oneOf("0", "1"),
			"maskmoment":     oneOf("0", "1"),
			"dataverse":      oneOf("0", "1"),
			"time_range":     nil,
			"speczoom":       numberPair,
			"srdp":           oneOf("0", "1"),
			"admit":          oneOf("0", "1"),
			"bank":           intRange(-1, 1),
			"badcb":          intSlashPairs,
		},
	},
}

var (
	intSlashRe = regexp.MustCompile(`^\d+/\d+$`)
	numberRe   = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

func oneOf(allowed ...string) checkFunc {
	return func(v string) error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return fmt.Errorf("must be one of %s", strings.Join(allowed, "|"))
	}
}

func intRange(lo, hi int) checkFunc {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%q is not an integer", v)
		}
		if n < lo || n > hi {
			return fmt.Errorf("%d is outside %d..%d", n, lo, hi)
		}
		return nil
	}
}

func parseNumber(v string) (float64, error) {
	if !numberRe.MatchString(v) {
		return 0, fmt.Errorf("%q is not a number", v)
	}
	return strconv.ParseFloat(v, 64)
}

func numberRange(lo, hi float64) checkFunc {
	return func(v string) error {
		f, err := parseNumber(v)
		if err != nil {
			return err
		}
		if f < lo || f > hi {
			return fmt.Errorf("%s is outside %g..%g", v, lo, hi)
		}
		return nil
	}
}

func numberAtLeast(lo float64) checkFunc {
	return func(v string) error {
		f, err := parseNumber(v)
		if err != nil {
			return err
		}
		if f < lo {
			return fmt.Errorf("%s is below %g", v, lo)
		}
		return nil
	}
}

// numberPair accepts "a,b", e.g. speczoom=CENTER,HALF_WIDTH.
func numberPair(v string) error {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return fmt.Errorf("must be two comma-separated numbers")
	}
	for _, p := range parts {
		if _, err := parseNumber(p); err != nil {
			return err
		}
	}
	return nil
}

// numberPairs accepts "f1,df1,f2,df2,...".
func numberPairs(v string) error {
	parts := strings.Split(v, ",")
	if len(parts)%2 != 0 {
		return fmt.Errorf("must be comma-separated freq,dfreq pairs")
	}
	for _, p := range parts {
		if _, err := parseNumber(p); err != nil {
			return err
		}
	}
	return nil
}

// intSlashPairs accepts "c/b" or a comma list of them.
func intSlashPairs(v string) error {
	for _, p := range strings.Split(v, ",") {
		if !intSlashRe.MatchString(p) {
			return fmt.Errorf("must be in format int/int")
		}
	}
	return nil
}

func pixelSet(v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("empty pixel list")
	}
	_, err := ParsePixels(v)
	return err
}

// sgf is 0 or an odd integer above 21.
func sgf(v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%q is not an integer", v)
	}
	if n == 0 || (n > 21 && n%2 == 1) {
		return nil
	}
	return fmt.Errorf("must be 0 or an odd number greater than 21")
}
