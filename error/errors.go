package error

import (
	"encoding/json"
)

type DBerror struct {
	Msg       string `json:"message"`
	ErrorCode int    `json:"code"`
}

func (dbError DBerror) Error() string {
	return dbError.Msg
}

func (dbError DBerror) Code() int {
	return dbError.ErrorCode
}

func (dbError DBerror) JSON() []byte {
	json, _ := json.Marshal(dbError)

	return json
}

func DBErrorFromJSON(encodedError []byte) (DBerror, error) {
	var dbError DBerror

	if err := json.Unmarshal(encodedError, &dbError); err != nil {
		return DBerror{}, err
	}

	return dbError, nil
}

const (
	eEMPTY              = iota
	eSTORAGE            = iota
	eCORRUPTED          = iota
	eREAD_BODY          = iota
	eNODE_CONFIG_BODY   = iota
	eCOMMAND_BODY       = iota
	ePROPOSAL_ERROR     = iota
	eDUPLICATE_NODE_ID  = iota
	eNOT_LEADER         = iota
	eNO_LEADER          = iota
	eNO_SUCH_CHANNEL    = iota
	eUNKNOWN_CHANNEL    = iota
	eINVALID_PACKET     = iota
	eRAFT_MESSAGE       = iota
	eSENDER_UNKNOWN     = iota
	eRAFT_RECEIVE       = iota
	eCHANNEL_ID_REUSED  = iota
	eINVALID_CHANNEL_ID = iota
)

var (
	EEmpty            = DBerror{"Parameter was empty or nil", eEMPTY}
	EStorage          = DBerror{"The storage driver experienced an error", eSTORAGE}
	ECorrupted        = DBerror{"The storage medium is corrupted", eCORRUPTED}
	EReadBody         = DBerror{"Unable to read request body", eREAD_BODY}
	ENodeConfigBody   = DBerror{"Unable to parse node configuration body", eNODE_CONFIG_BODY}
	ECommandBody      = DBerror{"Unable to parse cluster command body", eCOMMAND_BODY}
	EProposalError    = DBerror{"An error occurred while proposing cluster configuration change", ePROPOSAL_ERROR}
	EDuplicateNodeID  = DBerror{"The ID the node is using was already used by a cluster member at some point", eDUPLICATE_NODE_ID}
	ENotLeader        = DBerror{"This node is not the cluster leader", eNOT_LEADER}
	ENoLeader         = DBerror{"Unable to find the cluster leader", eNO_LEADER}
	ENoSuchChannel    = DBerror{"No ownership record exists for this channel", eNO_SUCH_CHANNEL}
	EUnknownChannel   = DBerror{"The receiving node has no local session for this channel", eUNKNOWN_CHANNEL}
	EInvalidPacket    = DBerror{"The packet could not be decoded", eINVALID_PACKET}
	ERaftMessage      = DBerror{"Unable to parse raft message", eRAFT_MESSAGE}
	ESenderUnknown    = DBerror{"The receiver does not know who we are", eSENDER_UNKNOWN}
	ERaftReceive      = DBerror{"The consensus core rejected the message", eRAFT_RECEIVE}
	EChannelIDReused  = DBerror{"A closing or closed channel ID cannot be reused", eCHANNEL_ID_REUSED}
	EInvalidChannelID = DBerror{"The channel ID is empty", eINVALID_CHANNEL_ID}
)
