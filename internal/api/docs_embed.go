//go:build embed_openapi

package api

import "crmhooks/openapi"

func openAPILoad() ([]byte, error) { return openapi.Spec, nil }
