package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sandeepkv93/smart-session-gateway/internal/repository"
	"github.com/sandeepkv93/smart-session-gateway/internal/service"
)

// decodeJSON reads a single JSON object into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	return decode(r, dst, true)
}

// decodeLenientJSON is decodeJSON for callers that send extra fields, such as
// agents forwarding whole transaction objects as steps.
func decodeLenientJSON(r *http.Request, dst any) error {
	return decode(r, dst, false)
}

func decode(r *http.Request, dst any, strict bool) error {
	dec := json.NewDecoder(r.Body)
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", service.ErrValidation)
		}
		return fmt.Errorf("%w: invalid json: %v", service.ErrValidation, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: request body must be a single json object", service.ErrValidation)
	}
	return nil
}

func parseAddress(raw, name string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s must be a hex address", service.ErrValidation, name)
	}
	return common.HexToAddress(raw), nil
}

func parseChainID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: chainId must be a positive integer", service.ErrValidation)
	}
	return id, nil
}

// accountQuery reads the account and chainId query parameters.
func accountQuery(r *http.Request) (common.Address, uint64, error) {
	q := r.URL.Query()
	addr, err := parseAddress(q.Get("account"), "account")
	if err != nil {
		return common.Address{}, 0, err
	}
	chainID, err := parseChainID(q.Get("chainId"))
	if err != nil {
		return common.Address{}, 0, err
	}
	return addr, chainID, nil
}

func pageQuery(r *http.Request) (repository.PageRequest, error) {
	q := r.URL.Query()
	var page repository.PageRequest
	for name, dst := range map[string]*int{"page": &page.Page, "page_size": &page.PageSize} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return repository.PageRequest{}, fmt.Errorf("%w: %s must be a positive integer", service.ErrValidation, name)
		}
		*dst = n
	}
	return page, nil
}
