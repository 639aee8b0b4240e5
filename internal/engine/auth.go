package engine

import (
	"encoding/base64"
	"encoding/json"

	"github.com/livelabs/sandbox-core/internal/registry"
)

// registryAuth encodes the matching credential for ref's registry host as
// the base64 JSON payload the engine's pull API expects. Returns "" if no
// credential in creds matches, which pulls anonymously.
func registryAuth(creds []registry.RegistryCredential, ref string) string {
	if len(creds) == 0 {
		return ""
	}
	cred := registry.FindByRegistry(creds, registry.RegistryHost(ref))
	if cred == nil {
		return ""
	}
	payload, err := json.Marshal(struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{Username: cred.Username, Password: cred.Secret})
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(payload)
}
