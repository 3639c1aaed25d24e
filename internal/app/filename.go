package app

import (
	"errors"
	"path"
	"strings"
)

var (
	ErrMalformedName     = errors.New("filename does not match <cpf>_<number>.pdf")
	ErrInvalidCpfSegment = errors.New("cpf segment of filename is not 11 digits")
)

// ParsedFilename is the identity encoded in a filename-batch upload.
type ParsedFilename struct {
	CPF          string `json:"cpf"`
	BoletoNumber string `json:"boleto_number"`
}

// ParseBoletoFilename parses `<cpf>_<boletoNumber>.pdf`. The extension match is case-insensitive
// and any directory components are ignored. The CPF checksum is not checked here.
func ParseBoletoFilename(filename string) (ParsedFilename, error) {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/"))
	if len(base) <= len(".pdf") || !strings.EqualFold(base[len(base)-len(".pdf"):], ".pdf") {
		return ParsedFilename{}, ErrMalformedName
	}
	stem := base[:len(base)-len(".pdf")]

	segments := strings.Split(stem, "_")
	if len(segments) != 2 {
		return ParsedFilename{}, ErrMalformedName
	}

	cpf := NormalizeCPF(segments[0])
	if len(cpf) != 11 {
		return ParsedFilename{}, ErrInvalidCpfSegment
	}

	number := strings.TrimSpace(segments[1])
	if number == "" {
		return ParsedFilename{}, ErrMalformedName
	}

	return ParsedFilename{CPF: cpf, BoletoNumber: number}, nil
}
