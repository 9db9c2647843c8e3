package protocol

// Version is sent in ClientIdentification; the server rejects other versions.
const Version uint32 = 1

// Type is the leading tag byte of every encoded message.
type Type uint8

const (
	TypeClientIdentification Type = iota + 1
	TypeServerConfig
	TypeDisconnect
	TypeChunkRequest
	TypeChunkResponse
	TypeUnsubscribeFromChunks
	TypeBlockUpdates
	TypeBlockEditRequest
	TypeNewModel
	TypeDeleteModel
	TypeModelUpdateAsset
	TypeModelUpdateTransform
	TypePlayerPosition
)

var typeNames = map[Type]string{
	TypeClientIdentification:  "ClientIdentification",
	TypeServerConfig:          "ServerConfig",
	TypeDisconnect:            "Disconnect",
	TypeChunkRequest:          "ChunkRequest",
	TypeChunkResponse:         "ChunkResponse",
	TypeUnsubscribeFromChunks: "UnsubscribeFromChunks",
	TypeBlockUpdates:          "BlockUpdates",
	TypeBlockEditRequest:      "BlockEditRequest",
	TypeNewModel:              "NewModel",
	TypeDeleteModel:           "DeleteModel",
	TypeModelUpdateAsset:      "ModelUpdateAsset",
	TypeModelUpdateTransform:  "ModelUpdateTransform",
	TypePlayerPosition:        "PlayerPosition",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "Unknown"
}

// Known reports whether t is a defined message type.
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// Message is implemented by every wire message.
type Message interface {
	Type() Type
}

// ClientToServer reports whether clients may send messages of type t.
func ClientToServer(t Type) bool {
	switch t {
	case TypeClientIdentification, TypeChunkRequest, TypeUnsubscribeFromChunks, TypeBlockEditRequest, TypePlayerPosition, TypeDisconnect:
		return true
	default:
		return false
	}
}
