package relay

// Opcodes understood by the relay server. Each inbound frame starts with one
// of these bytes; relayed frames are rewritten as [op, origin id, payload]
// before being fanned out to the origin's room.
const (
	OpError       byte = 0x00
	OpIdentifyOK  byte = 0x01
	OpPing        byte = 2
	OpJoin        byte = 16
	OpMemberJoin  byte = 17
	OpMemberPart  byte = 18
	OpChat        byte = 19
	OpEmote       byte = 20
	OpKick        byte = 21
	OpServerMsg   byte = 22
	OpMousePos    byte = 32
	OpMouseClick  byte = 33
	OpBrushSize   byte = 34
	OpBrushShape  byte = 35
	OpModifier    byte = 36
	OpSelectElem  byte = 37
	OpReplaceMode byte = 38
	OpCmodeReset  byte = 48
	OpPause       byte = 49
	OpStepFrame   byte = 50
	OpDecoMode    byte = 51
	OpHUDMode     byte = 52 // deprecated client-side, still relayed
	OpAmbientHeat byte = 53
	OpNewtonian   byte = 54
	OpDebugMode   byte = 55
	OpLegacyHeat  byte = 56
	OpWaterEq     byte = 57
	OpGravityMode byte = 58
	OpAirMode     byte = 59
	OpClearSparks byte = 60
	OpClearPress  byte = 61
	OpInvertPress byte = 62
	OpClearSim    byte = 63
	OpManualGfx   byte = 64
	OpDecoColor   byte = 65
	OpStamp       byte = 66
	OpClearArea   byte = 67
	OpEdgeMode    byte = 68
	OpLoadSaveID  byte = 69
	OpReloadSave  byte = 70
	OpSyncRequest byte = 128
	OpSyncStamp   byte = 129
	OpSyncProps   byte = 130
)

// relayPayloadSizes maps the opcodes the server forwards without inspecting
// to the number of payload bytes that follow them on the wire. Opcodes with
// variable payloads or server-side state effects are dispatched explicitly.
var relayPayloadSizes = map[byte]int{
	OpMousePos:    3,
	OpMouseClick:  1,
	OpModifier:    1,
	OpCmodeReset:  1,
	OpPause:       1,
	OpStepFrame:   0,
	OpDecoMode:    1,
	OpHUDMode:     1,
	OpAmbientHeat: 1,
	OpNewtonian:   1,
	OpDebugMode:   1,
	OpLegacyHeat:  1,
	OpWaterEq:     1,
	OpGravityMode: 1,
	OpAirMode:     1,
	OpClearSparks: 0,
	OpClearPress:  0,
	OpInvertPress: 0,
	OpClearSim:    0,
	OpManualGfx:   3,
	OpClearArea:   6,
	OpEdgeMode:    1,
	OpLoadSaveID:  3,
	OpReloadSave:  0,
}

// defaultSyncPropOps is the whitelist of opcodes a client may emit in a sync
// properties reply (op 130). Anything else in that position is dropped.
var defaultSyncPropOps = []byte{
	OpBrushSize,
	OpBrushShape,
	OpSelectElem,
	OpReplaceMode,
	OpDecoColor,
}

// Element selection bytes a client sends when it focuses the chat window
// instead of picking an element.
const (
	chatSentinelA byte = 194
	chatSentinelB byte = 195
)
