// Package sidecar builds the JSON metadata document published next to each COG.
package sidecar

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Document is the published sidecar.
type Document struct {
	SourceURL string `json:"River Ice product url"`
}

// Marshal renders the document with four-space indentation.
func Marshal(doc Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("marshal sidecar: %w", err)
	}
	return data, nil
}

// Unmarshal parses a sidecar document.
func Unmarshal(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("unmarshal sidecar: %w", err)
	}
	return doc, nil
}

// Write stores the sidecar for stem under dir as <stem>.json and returns its path.
func Write(dir, stem, sourceURL string) (string, error) {
	data, err := Marshal(Document{SourceURL: sourceURL})
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, stem+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write sidecar %s: %w", path, err)
	}
	return path, nil
}
