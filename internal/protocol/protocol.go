// Package protocol defines the wire types shared by the UDP ingress, the
// pub/sub bus, and the RPC core.
package protocol

import "encoding/json"

// Envelope is the JSON row written to the bus. guildID scopes delivery;
// targetNode is either a node name or MasterSentinel.
type Envelope struct {
	GuildID    int             `json:"guild_id"`
	TargetNode string          `json:"node"`
	Data       json.RawMessage `json:"data"`
}

// MasterSentinel addresses whichever node currently holds mastership for
// the guild, rather than a specific node name.
const MasterSentinel = "Master"

// BusMessage is what NewBusMessage/ParsePayload marshal into Envelope.Data.
type BusMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewBusMessage marshals payload into a typed BusMessage.
func NewBusMessage(msgType string, payload any) (*BusMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &BusMessage{Type: msgType, Payload: data}, nil
}

// ParsePayload unmarshals the message payload into target.
func (m *BusMessage) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Bus message types exchanged between nodes over intercom/broadcasts.
const (
	TypeRPCRequest        = "rpc_request"
	TypeRPCReply          = "rpc_reply"
	TypeHostEvent         = "host_event"
	TypeRegisterRemote    = "register_remote_node"
	TypeUnregisterRemote  = "unregister_remote_node"
	TypeRegisterLocalList = "register_local_servers"
)

// RPCRequest is the payload of a TypeRPCRequest bus message.
type RPCRequest struct {
	Channel string          `json:"channel"` // "sync-<uuid>"
	Object  string          `json:"object,omitempty"`
	Service string          `json:"service,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCReply is the payload of a TypeRPCReply bus message.
type RPCReply struct {
	Channel   string          `json:"channel"`
	Method    string          `json:"method"`
	Return    json.RawMessage `json:"return,omitempty"`
	Exception *RPCException   `json:"exception,omitempty"`
}

// RPCException mirrors the source's exception-marshalling contract:
// {class, args, kwargs}. Unknown classes deserialize to a generic
// permission/denied error at the receiver.
type RPCException struct {
	Class  string         `json:"class"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// HostEventPayload wraps a UDP datagram re-published on broadcasts when the
// receiving node is not master.
type HostEventPayload struct {
	ServerName string          `json:"server_name"`
	Command    string          `json:"command"`
	FromNode   string          `json:"from_node"`
	Data       json.RawMessage `json:"data"`
}

// UDP datagram commands (game-host hook -> node). Listed exhaustively so
// dispatch registration has a closed vocabulary to validate against.
const (
	CmdRegisterDCSServer  = "registerDCSServer"
	CmdGetMissionUpdate   = "getMissionUpdate"
	CmdSimulationStart    = "onSimulationStart"
	CmdSimulationStop     = "onSimulationStop"
	CmdSimulationPause    = "onSimulationPause"
	CmdSimulationResume   = "onSimulationResume"
	CmdMissionLoadBegin   = "onMissionLoadBegin"
	CmdMissionLoadEnd     = "onMissionLoadEnd"
	CmdPlayerConnect      = "onPlayerConnect"
	CmdPlayerStart        = "onPlayerStart"
	CmdPlayerStop         = "onPlayerStop"
	CmdPlayerChangeSlot   = "onPlayerChangeSlot"
	CmdGameEvent          = "onGameEvent"
)

// Outbound commands (node -> game-host hook).
const (
	OutShutdown             = "shutdown"
	OutBan                  = "ban"
	OutUnban                = "unban"
	OutKick                 = "kick"
	OutSendChatMessage      = "sendChatMessage"
	OutSendPopupMessage     = "sendPopupMessage"
	OutPlaySound            = "playSound"
	OutStartMission         = "startMission"
	OutStopMission          = "stopMission"
	OutRestartMission       = "restartMission"
	OutAddMission           = "addMission"
	OutDeleteMission        = "deleteMission"
	OutReplaceMission       = "replaceMission"
	OutSetStartIndex        = "setStartIndex"
	OutSetCoalitionPassword = "setCoalitionPassword"
	OutForcePlayerSlot      = "force_player_slot"
	OutUploadUserRoles      = "uploadUserRoles"
)

// Datagram is the envelope every UDP message from a game-host hook carries.
type Datagram struct {
	Command    string          `json:"command"`
	ServerName string          `json:"server_name"`
	Channel    string          `json:"channel,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// MaxDatagramSize is the maximum UDP payload accepted from a hook (§4.C).
const MaxDatagramSize = 65504

// RegisterDCSServerPayload is the body of a registerDCSServer datagram.
type RegisterDCSServerPayload struct {
	HookVersion     string   `json:"hook_version"`
	DCSVersion      string   `json:"dcs_version"`
	CurrentMap      string   `json:"current_map"`
	CurrentMission  string   `json:"current_mission"`
	Players         []Player `json:"players"`
	Pause           bool     `json:"pause"`
	Channel         string   `json:"channel"`
}

// Player mirrors the data model's ephemeral Player record as carried over
// the wire (§3).
type Player struct {
	ID         int    `json:"id"`
	UCID       string `json:"ucid"`
	Name       string `json:"name"`
	Side       string `json:"side"` // SPECTATOR | RED | BLUE | NEUTRAL
	Slot       string `json:"slot"`
	SubSlot    string `json:"sub_slot"`
	UnitType   string `json:"unit_type"`
	GroupName  string `json:"group_name"`
	Active     bool   `json:"active"`
}
