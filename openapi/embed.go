package openapi

import _ "embed"

// Spec is the embedded OpenAPI document served at /openapi.yaml.
//
//go:embed openapi.yaml
var Spec []byte
