package callback

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// Claims is everything needed to resolve one callback URL. It travels inside the
// credential, so resolution needs no server-side state.
type Claims struct {
	Issuer        string `json:"iss"`
	IssuedAt      int64  `json:"iat"`
	TransactionID string `json:"tid"`
	ExpiresAt     int64  `json:"exp,omitempty"`
	TaskToken     string `json:"token"`
	Name          string `json:"name"`
	Action        Action `json:"act"`
	// Parameters enables caller-supplied output parameters for this URL.
	Parameters bool `json:"par"`
}

// Expired reports whether the claims are past their expiration at now.
func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != 0 && now.Unix() >= c.ExpiresAt
}

// Expiration returns the expiration time, or the zero time when the URL never expires.
func (c *Claims) Expiration() time.Time {
	if c.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(c.ExpiresAt, 0).UTC()
}

func (c *Claims) validate() error {
	switch {
	case c.TaskToken == "":
		return errors.New("missing task token")
	case !ValidActionName(c.Name):
		return fmt.Errorf("invalid action name %q", c.Name)
	case c.IssuedAt <= 0:
		return errors.New("missing issue time")
	case c.ExpiresAt < 0:
		return errors.New("negative expiration")
	}
	return c.Action.Validate()
}

// marshalClaims produces the canonical JSON form of c. Canonicalization makes the
// encoding independent of map iteration order.
func marshalClaims(c *Claims) ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	if err := checkNumbers(raw); err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// checkNumbers rejects numbers whose value canonical JSON would change: canonical
// form renders every number as a float64.
func checkNumbers(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if n, ok := tok.(json.Number); ok {
			if err := checkNumber(n); err != nil {
				return err
			}
		}
	}
}

// checkNumber accepts n when it fits a float64 and, for integer literals, when the
// float64 holds it exactly. Fractions round to the nearest float64 as in any JSON peer.
func checkNumber(n json.Number) error {
	s := string(n)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("number %s is out of range", s)
	}
	if strings.ContainsAny(s, ".eE") {
		return nil
	}
	exact, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid number %s", s)
	}
	if got, acc := big.NewFloat(f).Int(nil); acc != big.Exact || got.Cmp(exact) != 0 {
		return fmt.Errorf("integer %s cannot be represented exactly", s)
	}
	return nil
}

// unmarshalClaims is strict: unknown fields and trailing data are rejected, and numbers
// in payloads keep their exact textual form.
func unmarshalClaims(data []byte) (*Claims, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()

	var c Claims
	if err := dec.Decode(&c); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after claims")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.Action.normalize()
	return &c, nil
}
