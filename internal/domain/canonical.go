package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// CanonicalJSON encodes v as compact JSON with object keys sorted at every level.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HashJSON returns the sha256 hex digest of the canonical encoding of v.
func HashJSON(v any) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// NewFingerprint hashes the repositories, refs and sorted selected paths of a job.
func NewFingerprint(repos []RepoRef, selectedPaths []string) (WorkspaceFingerprint, error) {
	paths := append([]string(nil), selectedPaths...)
	sort.Strings(paths)
	if repos == nil {
		repos = []RepoRef{}
	}
	if paths == nil {
		paths = []string{}
	}
	fp := WorkspaceFingerprint{Repos: repos, SelectedPaths: paths}
	h, err := HashJSON(struct {
		Repos         []RepoRef `json:"repos"`
		SelectedPaths []string  `json:"selected_paths"`
	}{repos, paths})
	if err != nil {
		return WorkspaceFingerprint{}, err
	}
	fp.Hash = h
	return fp, nil
}

// IsPlanHash reports whether h looks like a sha256 hex digest.
func IsPlanHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	return strings.Trim(strings.ToLower(h), "0123456789abcdef") == ""
}
