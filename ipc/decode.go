package ipc

import "github.com/mitchellh/mapstructure"

// decodeLoose maps a generically-decoded msgpack value (a
// map[string]interface{} already pulled off the wire via readFrame)
// onto a typed request struct. This mirrors the two-step decode the
// teacher's command/agent/ipc.go used for every command before this
// package's typed wire structs existed, kept here for the one command
// (tags) whose payload is naturally loose: an arbitrary tag set to
// merge plus a list of keys to delete.
func decodeLoose(raw interface{}, out interface{}) error {
	cfg := &mapstructure.DecoderConfig{
		Result: out,
	}
	dec, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}
