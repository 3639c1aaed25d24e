package main

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCPFValidateCommand(t *testing.T) {
	out, err := runCLI(t, "cpf", "validate", "529.982.247-25", "11144477735")
	if err != nil {
		t.Fatalf("unexpected error: %v (%s)", err, out)
	}
	if strings.Count(out, "valid\n") != 2 || strings.Contains(out, "invalid") {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = runCLI(t, "cpf", "validate", "52998224725", "12345678901")
	if err == nil {
		t.Fatal("expected an error when a CPF is invalid")
	}
	if !strings.Contains(out, "12345678901\tinvalid") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestFilenameParseCommand(t *testing.T) {
	out, err := runCLI(t, "filename", "parse", "52998224725_202401150001.PDF", "12345678901_2.pdf", "123_1.pdf", "nope.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var results []struct {
		Filename string `json:"filename"`
		Parsed   *struct {
			CPF          string `json:"cpf"`
			BoletoNumber string `json:"boleto_number"`
		} `json:"parsed"`
		Code string `json:"failure_code"`
	}
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	want := []string{"", "InvalidCpf", "InvalidCpf", "MalformedName"}
	for i, code := range want {
		if results[i].Code != code {
			t.Fatalf("%s: expected %q, got %q", results[i].Filename, code, results[i].Code)
		}
	}
	if results[0].Parsed == nil || results[0].Parsed.BoletoNumber != "202401150001" {
		t.Fatalf("unexpected parse %+v", results[0].Parsed)
	}
}

func TestSequenceCommand(t *testing.T) {
	out, err := runCLI(t, "sequence", "-n", "3", "--date", "2024-01-15", "--start", "41", "--first-due", "2024-01-31")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "202401150041\t2024-01-31\n202401150042\t2024-02-29\n202401150043\t2024-03-31\n"
	if out != want {
		t.Fatalf("unexpected output:\n%s\nwant:\n%s", out, want)
	}

	if _, err := runCLI(t, "sequence", "-n", "2", "--start", "9999"); err == nil {
		t.Fatal("expected exhausted sequence to fail")
	}
}

func TestUploadsFromDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/in/52998224725_2.pdf", []byte("%PDF-1.4 two"), 0o644)
	_ = afero.WriteFile(fs, "/in/11144477735_1.pdf", []byte("%PDF-1.4 one"), 0o644)
	_ = afero.WriteFile(fs, "/in/.DS_Store", []byte("x"), 0o644)
	_ = fs.MkdirAll("/in/nested", 0o755)

	uploads, err := uploadsFromDir(fs, "/in")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(uploads) != 2 || uploads[0].Filename != "11144477735_1.pdf" {
		t.Fatalf("unexpected uploads %+v", uploads)
	}
	rc, err := uploads[1].Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	content, _ := io.ReadAll(rc)
	if string(content) != "%PDF-1.4 two" || uploads[1].Size != int64(len(content)) {
		t.Fatalf("unexpected content %q size=%d", content, uploads[1].Size)
	}

	if _, err := uploadsFromDir(fs, "/in/nested"); err == nil {
		t.Fatal("expected an error for a directory without files")
	}
}

func TestIngestDirValidatesFlags(t *testing.T) {
	if _, err := runCLI(t, "ingest-dir", "/tmp", "--campus", "x"); err == nil || !strings.Contains(err.Error(), "--campus") {
		t.Fatalf("expected campus flag error, got %v", err)
	}
}
