// Package envelope implements the versioned, typed JSON message frame
// exchanged between tabletop clients and the session server, plus its
// batch container. See server_host/websocket_protocol.py and
// net/protocol.py in the original implementation for wire behavior this
// package must match.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultVersion is the protocol version stamped on envelopes that omit one.
const DefaultVersion = "0.1"

// DefaultPriority is the priority assigned when a sender omits one.
const DefaultPriority = 5

// Type is the closed enumeration of envelope kinds. Unknown values are
// rejected by Decode.
type Type string

const (
	TypePing    Type = "ping"
	TypePong    Type = "pong"
	TypeError   Type = "error"
	TypeTest    Type = "test"
	TypeSuccess Type = "success"
	TypeWelcome Type = "welcome"

	TypeAuthRegister Type = "auth_register"
	TypeAuthLogin    Type = "auth_login"
	TypeAuthLogout   Type = "auth_logout"
	TypeAuthToken    Type = "auth_token"
	TypeAuthStatus   Type = "auth_status"

	TypeNewTableRequest   Type = "new_table_request"
	TypeNewTableResponse  Type = "new_table_response"
	TypeTableRequest      Type = "table_request"
	TypeTableResponse     Type = "table_response"
	TypeTableData         Type = "table_data"
	TypeTableUpdate       Type = "table_update"
	TypeTableScale        Type = "table_scale"
	TypeTableMove         Type = "table_move"
	TypeTableListRequest  Type = "table_list_request"
	TypeTableListResponse Type = "table_list_response"
	TypeTableDelete       Type = "table_delete"

	TypePlayerAction            Type = "player_action"
	TypePlayerResponse          Type = "player_response"
	TypePlayerUpdate            Type = "player_update"
	TypePlayerRemove            Type = "player_remove"
	TypePlayerJoined            Type = "player_joined"
	TypePlayerLeft              Type = "player_left"
	TypePlayerReady             Type = "player_ready"
	TypePlayerUnready           Type = "player_unready"
	TypePlayerStatus            Type = "player_status"
	TypePlayerListRequest       Type = "player_list_request"
	TypePlayerListResponse      Type = "player_list_response"
	TypePlayerKickRequest       Type = "player_kick_request"
	TypePlayerKickResponse      Type = "player_kick_response"
	TypePlayerBanRequest        Type = "player_ban_request"
	TypePlayerBanResponse       Type = "player_ban_response"
	TypeConnectionStatusReq     Type = "connection_status_request"
	TypeConnectionStatusResp    Type = "connection_status_response"

	TypeSpriteRequest  Type = "sprite_request"
	TypeSpriteResponse Type = "sprite_response"
	TypeSpriteData     Type = "sprite_data"
	TypeSpriteUpdate   Type = "sprite_update"
	TypeSpriteRemove   Type = "sprite_remove"
	TypeSpriteCreate   Type = "sprite_create"
	TypeSpriteMove     Type = "sprite_move"
	TypeSpriteScale    Type = "sprite_scale"
	TypeSpriteRotate   Type = "sprite_rotate"

	TypePositionCorrection Type = "position_correction"

	TypeFileRequest Type = "file_request"
	TypeFileData    Type = "file_data"

	TypeAssetUploadRequest   Type = "asset_upload_request"
	TypeAssetUploadResponse  Type = "asset_upload_response"
	TypeAssetUploadConfirm   Type = "asset_upload_confirm"
	TypeAssetDownloadRequest Type = "asset_download_request"
	TypeAssetDownloadResponse Type = "asset_download_response"
	TypeAssetListRequest     Type = "asset_list_request"
	TypeAssetListResponse    Type = "asset_list_response"
	TypeAssetDeleteRequest   Type = "asset_delete_request"
	TypeAssetDeleteResponse  Type = "asset_delete_response"
	TypeAssetHashCheck       Type = "asset_hash_check"

	TypeCompendiumSpriteAdd    Type = "compendium_sprite_add"
	TypeCompendiumSpriteUpdate Type = "compendium_sprite_update"
	TypeCompendiumSpriteRemove Type = "compendium_sprite_remove"

	TypeCharacterSaveRequest    Type = "character_save_request"
	TypeCharacterSaveResponse   Type = "character_save_response"
	TypeCharacterLoadRequest    Type = "character_load_request"
	TypeCharacterLoadResponse   Type = "character_load_response"
	TypeCharacterListRequest    Type = "character_list_request"
	TypeCharacterListResponse   Type = "character_list_response"
	TypeCharacterDeleteRequest  Type = "character_delete_request"
	TypeCharacterDeleteResponse Type = "character_delete_response"
	TypeCharacterUpdate         Type = "character_update"
	TypeCharacterUpdateResponse Type = "character_update_response"

	TypeBatch  Type = "batch"
	TypeCustom Type = "custom"
)

// knownTypes is the closed set Decode validates against.
var knownTypes = map[Type]bool{
	TypePing: true, TypePong: true, TypeError: true, TypeTest: true,
	TypeSuccess: true, TypeWelcome: true,
	TypeAuthRegister: true, TypeAuthLogin: true, TypeAuthLogout: true,
	TypeAuthToken: true, TypeAuthStatus: true,
	TypeNewTableRequest: true, TypeNewTableResponse: true,
	TypeTableRequest: true, TypeTableResponse: true, TypeTableData: true,
	TypeTableUpdate: true, TypeTableScale: true, TypeTableMove: true,
	TypeTableListRequest: true, TypeTableListResponse: true, TypeTableDelete: true,
	TypePlayerAction: true, TypePlayerResponse: true, TypePlayerUpdate: true,
	TypePlayerRemove: true, TypePlayerJoined: true, TypePlayerLeft: true,
	TypePlayerReady: true, TypePlayerUnready: true, TypePlayerStatus: true,
	TypePlayerListRequest: true, TypePlayerListResponse: true,
	TypePlayerKickRequest: true, TypePlayerKickResponse: true,
	TypePlayerBanRequest: true, TypePlayerBanResponse: true,
	TypeConnectionStatusReq: true, TypeConnectionStatusResp: true,
	TypeSpriteRequest: true, TypeSpriteResponse: true, TypeSpriteData: true,
	TypeSpriteUpdate: true, TypeSpriteRemove: true, TypeSpriteCreate: true,
	TypeSpriteMove: true, TypeSpriteScale: true, TypeSpriteRotate: true,
	TypePositionCorrection: true,
	TypeFileRequest: true, TypeFileData: true,
	TypeAssetUploadRequest: true, TypeAssetUploadResponse: true,
	TypeAssetUploadConfirm: true, TypeAssetDownloadRequest: true,
	TypeAssetDownloadResponse: true, TypeAssetListRequest: true,
	TypeAssetListResponse: true, TypeAssetDeleteRequest: true,
	TypeAssetDeleteResponse: true, TypeAssetHashCheck: true,
	TypeCompendiumSpriteAdd: true, TypeCompendiumSpriteUpdate: true,
	TypeCompendiumSpriteRemove: true,
	TypeCharacterSaveRequest: true, TypeCharacterSaveResponse: true,
	TypeCharacterLoadRequest: true, TypeCharacterLoadResponse: true,
	TypeCharacterListRequest: true, TypeCharacterListResponse: true,
	TypeCharacterDeleteRequest: true, TypeCharacterDeleteResponse: true,
	TypeCharacterUpdate: true, TypeCharacterUpdateResponse: true,
	TypeBatch: true, TypeCustom: true,
}

// IsKnown reports whether t belongs to the closed enumeration.
func IsKnown(t Type) bool { return knownTypes[t] }

// RegisterType extends the known-type set. Intended for the `custom`
// extension family where a deployment wants its own sub-tags to pass
// Decode without falling back to TypeCustom handling.
func RegisterType(t Type) { knownTypes[t] = true }

// Data is the free-form payload mapping carried by every Envelope.
type Data map[string]any

// Envelope is the unit of communication on the wire.
type Envelope struct {
	Type        Type   `json:"type"`
	Data        Data   `json:"data"`
	ClientID    string `json:"client_id,omitempty"`
	Timestamp   float64 `json:"timestamp"`
	Version     string `json:"version"`
	Priority    int    `json:"priority"`
	SequenceID  *int64 `json:"sequence_id,omitempty"`
}

// New builds an envelope with defaults filled in, mirroring Decode's
// coercion rules so constructed-in-process envelopes and wire-decoded ones
// are indistinguishable to handlers.
func New(t Type, data Data, clientID string) *Envelope {
	if data == nil {
		data = Data{}
	}
	return &Envelope{
		Type:      t,
		Data:      data,
		ClientID:  clientID,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Version:   DefaultVersion,
		Priority:  DefaultPriority,
	}
}

// WithSequence returns a copy of e stamped with a sequence id, used by
// senders that need ordering/dedup on the receiving end.
func (e *Envelope) WithSequence(seq int64) *Envelope {
	c := *e
	c.SequenceID = &seq
	return &c
}

// DuplicateKey identifies idempotent retransmits: two envelopes from the
// same client with the same non-nil sequence id are the same logical
// message.
type DuplicateKey struct {
	ClientID   string
	SequenceID int64
}

// Key returns the dedup key for e, and ok=false if e carries no sequence id
// (in which case no dedup is possible or required).
func (e *Envelope) Key() (DuplicateKey, bool) {
	if e.SequenceID == nil {
		return DuplicateKey{}, false
	}
	return DuplicateKey{ClientID: e.ClientID, SequenceID: *e.SequenceID}, true
}

// wireEnvelope mirrors Envelope's JSON shape but keeps Data as a
// json.RawMessage-free map during unmarshal so unknown nested fields are
// preserved, not rejected, for forward compatibility.
type wireEnvelope struct {
	Type       Type    `json:"type"`
	Data       Data    `json:"data"`
	ClientID   string  `json:"client_id"`
	Timestamp  float64 `json:"timestamp"`
	Version    string  `json:"version"`
	Priority   *int    `json:"priority"`
	SequenceID *int64  `json:"sequence_id"`
}

// Decode parses a single JSON Envelope frame. It rejects unknown types,
// defaults missing version/priority, and never errors on additional
// unrecognized top-level fields (encoding/json already ignores those).
func Decode(raw []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("envelope: malformed json: %w", err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("envelope: missing type")
	}
	if !IsKnown(w.Type) {
		return nil, fmt.Errorf("envelope: unknown type %q", w.Type)
	}
	if w.Data == nil {
		w.Data = Data{}
	}
	version := w.Version
	if version == "" {
		version = DefaultVersion
	}
	priority := DefaultPriority
	if w.Priority != nil {
		priority = *w.Priority
	}
	timestamp := w.Timestamp
	if timestamp == 0 {
		timestamp = float64(time.Now().UnixNano()) / 1e9
	}
	return &Envelope{
		Type:       w.Type,
		Data:       w.Data,
		ClientID:   w.ClientID,
		Timestamp:  timestamp,
		Version:    version,
		Priority:   priority,
		SequenceID: w.SequenceID,
	}, nil
}

// Encode serializes e to its wire JSON form. Data always serializes as an
// object, defaulting to {} rather than null.
func (e *Envelope) Encode() ([]byte, error) {
	out := *e
	if out.Data == nil {
		out.Data = Data{}
	}
	if out.Version == "" {
		out.Version = DefaultVersion
	}
	return json.Marshal(out)
}

// Batch is the `batch` envelope container: an ordered list of inner
// envelopes processed in list order, where individual handler failures do
// not abort the rest of the batch.
type Batch struct {
	Type      Type        `json:"type"`
	Messages  []*Envelope `json:"messages"`
	Sequence  *int64      `json:"seq,omitempty"`
	Timestamp float64     `json:"timestamp"`
}

// NewBatch wraps messages into a Batch envelope.
func NewBatch(messages []*Envelope) *Batch {
	return &Batch{
		Type:      TypeBatch,
		Messages:  messages,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

type wireBatch struct {
	Type      Type              `json:"type"`
	Messages  []json.RawMessage `json:"messages"`
	Sequence  *int64            `json:"seq"`
	Timestamp float64           `json:"timestamp"`
}

// DecodeBatch parses a `batch` envelope, recursively decoding each inner
// message. A malformed inner message does not fail the whole batch decode;
// it is recorded as a decode error the caller's dispatch loop will surface
// per-message (see broker.Broker's read loop).
func DecodeBatch(raw []byte) (*Batch, []error, error) {
	var w wireBatch
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, nil, fmt.Errorf("batch: malformed json: %w", err)
	}
	if w.Type != TypeBatch {
		return nil, nil, fmt.Errorf("batch: type is %q, not %q", w.Type, TypeBatch)
	}
	msgs := make([]*Envelope, 0, len(w.Messages))
	var errs []error
	for _, rawMsg := range w.Messages {
		inner, err := Decode(rawMsg)
		if err != nil {
			errs = append(errs, err)
			msgs = append(msgs, nil)
			continue
		}
		msgs = append(msgs, inner)
	}
	return &Batch{Type: TypeBatch, Messages: msgs, Sequence: w.Sequence, Timestamp: w.Timestamp}, errs, nil
}

// Encode serializes b to its wire JSON form.
func (b *Batch) Encode() ([]byte, error) {
	return json.Marshal(b)
}
