package models

import "strings"

// Provider represents the compute provider a job runs on
type Provider string

const (
	ProviderGCP   Provider = "GCP"
	ProviderAWS   Provider = "AWS"
	ProviderAzure Provider = "AZURE"
	ProviderLum   Provider = "LUM"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGCP, ProviderAWS, ProviderAzure, ProviderLum:
		return true
	}
	return false
}

// Path returns the lower-case form used in scheduler URLs.
func (p Provider) Path() string {
	return strings.ToLower(string(p))
}
