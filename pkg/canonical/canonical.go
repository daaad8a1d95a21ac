// Package canonical produces the byte-stable JSON form that request
// signatures are computed over. Object keys are sorted, no insignificant
// whitespace is emitted and numbers use the ECMAScript shortest round-trip
// format, so a signer on any stack that follows the same rules produces the
// same bytes.
//
// Input that two different documents could canonicalize to identically is
// rejected: invalid UTF-8, replacement characters, duplicate object keys and
// integers that do not survive the float64 conversion.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidJSON   = errors.New("invalid JSON")
	ErrInvalidNumber = errors.New("invalid JSON number")
	ErrDuplicateKey  = errors.New("duplicate object key")
)

// JSON re-encodes a single JSON document in canonical form. An empty body is
// treated as an empty object so bodiless requests still have a signable form.
func JSON(input []byte) ([]byte, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		return []byte("{}"), nil
	}

	if !utf8.Valid(input) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrInvalidJSON)
	}

	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()

	value, err := decode(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidJSON)
	}

	buf := &bytes.Buffer{}
	if err := write(buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Marshal canonicalizes an arbitrary Go value by round-tripping it through
// encoding/json first.
func Marshal(v any) ([]byte, error) {
	switch value := v.(type) {
	case json.RawMessage:
		return JSON(value)
	case []byte:
		return JSON(value)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSON(raw)
}

// decode reads one value token by token so duplicate keys can be seen.
func decode(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := map[string]any{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("%w: object key is %T", ErrInvalidJSON, keyTok)
				}
				if err := checkString(key); err != nil {
					return nil, err
				}
				if _, dup := obj[key]; dup {
					return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
				}
				v, err := decode(dec)
				if err != nil {
					return nil, err
				}
				obj[key] = v
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
			}
			return obj, nil
		case '[':
			arr := []any{}
			for dec.More() {
				v, err := decode(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
			}
			return arr, nil
		}
		return nil, fmt.Errorf("%w: unexpected %q", ErrInvalidJSON, t)
	case string:
		if err := checkString(t); err != nil {
			return nil, err
		}
		return t, nil
	default:
		return t, nil
	}
}

// checkString rejects U+FFFD. The decoder substitutes it for lone surrogate
// escapes, so distinct inputs would otherwise collapse onto the same string.
func checkString(s string) error {
	if strings.ContainsRune(s, utf8.RuneError) {
		return fmt.Errorf("%w: string contains U+FFFD", ErrInvalidJSON)
	}
	return nil
}

// exactInteger reports whether an integer literal is exactly f.
func exactInteger(literal string, f float64) bool {
	want, ok := new(big.Int).SetString(literal, 10)
	if !ok {
		return false
	}
	got, acc := big.NewFloat(f).Int(nil)
	return acc == big.Exact && got.Cmp(want) == 0
}

func write(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(v))
	case string:
		writeString(buf, v)
	case json.Number:
		f, err := strconv.ParseFloat(v.String(), 64)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidNumber, err)
		}
		if !strings.ContainsAny(v.String(), ".eE") && !exactInteger(v.String(), f) {
			return fmt.Errorf("%w: %s is not exactly representable", ErrInvalidNumber, v)
		}
		num, err := formatNumber(f)
		if err != nil {
			return err
		}
		buf.WriteString(num)
	case float64:
		num, err := formatNumber(v)
		if err != nil {
			return err
		}
		buf.WriteString(num)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := write(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("unsupported JSON type %T", value)
	}
	return nil
}

const hexDigits = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteRune(r)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0x0f])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func formatNumber(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", ErrInvalidNumber
	}
	if f == 0 {
		return "0", nil
	}

	sign := ""
	if f < 0 {
		sign = "-"
		f = -f
	}

	// shortest round-trip digits, then placed per ECMAScript Number#toString
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, expPart, ok := strings.Cut(sci, "e")
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, sci)
	}
	exp, err := strconv.Atoi(expPart)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNumber, err)
	}
	digits := strings.Replace(mantissa, ".", "", 1)

	if exp <= -7 || exp >= 21 {
		out := digits[:1]
		if len(digits) > 1 {
			out += "." + digits[1:]
		}
		expSign := "+"
		if exp < 0 {
			expSign = "-"
			exp = -exp
		}
		return sign + out + "e" + expSign + strconv.Itoa(exp), nil
	}

	point := exp + 1
	switch {
	case point >= len(digits):
		return sign + digits + strings.Repeat("0", point-len(digits)), nil
	case point <= 0:
		return sign + "0." + strings.Repeat("0", -point) + digits, nil
	default:
		return sign + digits[:point] + "." + digits[point:], nil
	}
}
