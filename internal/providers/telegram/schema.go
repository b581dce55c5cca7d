package telegram

import "github.com/relaykit/sessiond/internal/provider"

// Schema declares the config shape for a telegram resource. Credentials sit
// under creds; behavior knobs live at the top level.
func Schema() provider.Schema {
	return provider.Schema{Fields: []provider.Field{
		{Key: "creds.app_id", Type: provider.FieldNumber, Required: true},
		{Key: "creds.app_hash", Type: provider.FieldString, Required: true},
		{Key: "creds.phone", Type: provider.FieldString, Required: true},
		{Key: "creds.session", Type: provider.FieldString, Required: false},
		{Key: "lists.allow", Type: provider.FieldList, Required: false},
		{Key: "lists.deny", Type: provider.FieldList, Required: false},
		{Key: "limits.tokens_limit", Type: provider.FieldNumber, Required: false},
		{Key: "limits.autostop", Type: provider.FieldBoolean, Required: false},
		{Key: "prompt", Type: provider.FieldString, Required: false},
	}}
}
