package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Amount is a non-negative integer accepted as a JSON number, a decimal
// string or a 0x prefixed hex string.
type Amount big.Int

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("amount must not be null")
	}
	raw := string(data)
	if strings.HasPrefix(raw, `"`) {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	raw = strings.TrimSpace(raw)
	v, ok := new(big.Int).SetString(raw, 0)
	if !ok {
		return fmt.Errorf("invalid amount %q", raw)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("amount %q must not be negative", raw)
	}
	*a = Amount(*v)
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Int().String())
}

func (a *Amount) Int() *big.Int {
	if a == nil {
		return new(big.Int)
	}
	return (*big.Int)(a)
}
