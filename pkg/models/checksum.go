package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// checksumInput is the canonical body hashed into Metadata.Checksum.
type checksumInput struct {
	Version     int       `json:"version"`
	GeneratedAt time.Time `json:"generatedAt"`
	Nodes       []*Node   `json:"nodes"`
	RootIDs     []string  `json:"rootIds"`
}

// Checksum returns the hex SHA-256 of the canonical JSON of version, generatedAt,
// nodes and rootIds. generatedAt is part of the input, so it identifies a snapshot
// rather than a structure.
func Checksum(m *Manifest) string {
	in := checksumInput{
		Version:     m.Metadata.Version,
		GeneratedAt: m.Metadata.GeneratedAt,
		Nodes:       m.Nodes,
		RootIDs:     m.RootIDs,
	}
	if in.Nodes == nil {
		in.Nodes = []*Node{}
	}
	if in.RootIDs == nil {
		in.RootIDs = []string{}
	}
	data, err := json.Marshal(in)
	if err != nil {
		// Only unknown node types fail to marshal, and validation rejects those.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
