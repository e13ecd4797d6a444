package cxctx

import "encoding/json"

// metadataTypeID is the declared_type_id convention a first turn's payload
// must use for its bytes to be interpreted as context metadata (spec.md §3:
// "Metadata is extracted from the first turn's payload when known").
const metadataTypeID = "context_metadata"

// metadataPayload is the JSON shape extracted from a root turn's payload.
type metadataPayload struct {
	ClientTag  string   `json:"client_tag"`
	Title      string   `json:"title"`
	Labels     []string `json:"labels"`
	Provenance struct {
		OnBehalfOfUser  string  `json:"on_behalf_of_user"`
		ServiceName     string  `json:"service_name"`
		HostName        string  `json:"host_name"`
		TraceID         string  `json:"trace_id"`
		ParentContextID *uint64 `json:"parent_context_id"`
		RootContextID   *uint64 `json:"root_context_id"`
	} `json:"provenance"`
}

// extractMetadata attempts to parse rec's payload as context metadata. A
// turn whose declared type isn't the metadata convention, or whose payload
// doesn't parse, simply yields no metadata — this is "when known", not a
// hard requirement, so parse failure is not an error condition.
func extractMetadata(declaredTypeID string, payload []byte) *Metadata {
	if declaredTypeID != metadataTypeID || len(payload) == 0 {
		return nil
	}

	var mp metadataPayload
	if err := json.Unmarshal(payload, &mp); err != nil {
		return nil
	}

	return &Metadata{
		ClientTag: mp.ClientTag,
		Title:     mp.Title,
		Labels:    mp.Labels,
		Provenance: Provenance{
			OnBehalfOfUser:  mp.Provenance.OnBehalfOfUser,
			ServiceName:     mp.Provenance.ServiceName,
			HostName:        mp.Provenance.HostName,
			TraceID:         mp.Provenance.TraceID,
			ParentContextID: mp.Provenance.ParentContextID,
			RootContextID:   mp.Provenance.RootContextID,
		},
	}
}
