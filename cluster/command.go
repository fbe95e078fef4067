package cluster

import (
	"encoding/json"

	"github.com/PelionIoT/chanmesh/util"

	. "github.com/PelionIoT/chanmesh/error"
)

type ClusterCommandType int

const (
	ClusterConnect      ClusterCommandType = iota
	ClusterDisconnect   ClusterCommandType = iota
	ClusterNodeShutdown ClusterCommandType = iota
	ClusterAddNode      ClusterCommandType = iota
	ClusterRemoveNode   ClusterCommandType = iota
	ClusterUpdateNode   ClusterCommandType = iota
	ClusterPurgeClosed  ClusterCommandType = iota
)

type ClusterCommand struct {
	Type        ClusterCommandType `json:"type"`
	SubmitterID uint64             `json:"submitter"`
	CommandID   uint64             `json:"id"`
	Data        []byte             `json:"data"`
}

type ClusterConnectBody struct {
	ChannelID string `json:"channelID"`
	NodeID    uint64 `json:"nodeID"`
}

// A zero NodeID disconnects regardless of which node owns the channel
type ClusterDisconnectBody struct {
	ChannelID string        `json:"channelID"`
	NodeID    uint64        `json:"nodeID"`
	Status    ChannelStatus `json:"status"`
}

type ClusterNodeShutdownBody struct {
	NodeID uint64 `json:"nodeID"`
}

type ClusterAddNodeBody struct {
	NodeID     uint64     `json:"nodeID"`
	NodeConfig NodeConfig `json:"nodeConfig"`
}

type ClusterRemoveNodeBody struct {
	NodeID uint64 `json:"nodeID"`
}

type ClusterUpdateNodeBody struct {
	NodeID     uint64     `json:"nodeID"`
	NodeConfig NodeConfig `json:"nodeConfig"`
}

type ClusterPurgeClosedBody struct {
}

// ClusterCommandResponse is the outcome of applying one log entry. Error is
// set when the command was valid but refused by the state machine.
type ClusterCommandResponse struct {
	Index       uint64           `json:"index"`
	SubmitterID uint64           `json:"submitter"`
	CommandID   uint64           `json:"id"`
	Record      *OwnershipRecord `json:"record,omitempty"`
	Affected    int              `json:"affected"`
	Error       *DBerror         `json:"error,omitempty"`
}

func (response ClusterCommandResponse) Err() error {
	if response.Error == nil {
		return nil
	}

	return *response.Error
}

func commandTypeOf(commandBody interface{}) (ClusterCommandType, error) {
	switch commandBody.(type) {
	case ClusterConnectBody:
		return ClusterConnect, nil
	case ClusterDisconnectBody:
		return ClusterDisconnect, nil
	case ClusterNodeShutdownBody:
		return ClusterNodeShutdown, nil
	case ClusterAddNodeBody:
		return ClusterAddNode, nil
	case ClusterRemoveNodeBody:
		return ClusterRemoveNode, nil
	case ClusterUpdateNodeBody:
		return ClusterUpdateNode, nil
	case ClusterPurgeClosedBody:
		return ClusterPurgeClosed, nil
	}

	return 0, ENoSuchCommand
}

// CreateClusterCommand wraps a command body in an envelope with a fresh
// command id.
func CreateClusterCommand(submitterID uint64, commandBody interface{}) (ClusterCommand, error) {
	commandType, err := commandTypeOf(commandBody)

	if err != nil {
		return ClusterCommand{}, err
	}

	encodedBody, err := EncodeClusterCommandBody(commandBody)

	if err != nil {
		return ClusterCommand{}, err
	}

	return ClusterCommand{
		Type:        commandType,
		SubmitterID: submitterID,
		CommandID:   util.UUID64(),
		Data:        encodedBody,
	}, nil
}

func EncodeClusterCommand(command ClusterCommand) ([]byte, error) {
	return json.Marshal(command)
}

func DecodeClusterCommand(encodedCommand []byte) (ClusterCommand, error) {
	var command ClusterCommand

	if err := json.Unmarshal(encodedCommand, &command); err != nil {
		return ClusterCommand{}, err
	}

	return command, nil
}

func EncodeClusterCommandBody(body interface{}) ([]byte, error) {
	return json.Marshal(body)
}

func DecodeClusterCommandBody(command ClusterCommand) (interface{}, error) {
	switch command.Type {
	case ClusterConnect:
		var body ClusterConnectBody

		if err := json.Unmarshal(command.Data, &body); err != nil {
			return nil, err
		}

		return body, nil
	case ClusterDisconnect:
		var body ClusterDisconnectBody

		if err := json.Unmarshal(command.Data, &body); err != nil {
			return nil, err
		}

		return body, nil
	case ClusterNodeShutdown:
		var body ClusterNodeShutdownBody

		if err := json.Unmarshal(command.Data, &body); err != nil {
			return nil, err
		}

		return body, nil
	case ClusterAddNode:
		var body ClusterAddNodeBody

		if err := json.Unmarshal(command.Data, &body); err != nil {
			return nil, err
		}

		return body, nil
	case ClusterRemoveNode:
		var body ClusterRemoveNodeBody

		if err := json.Unmarshal(command.Data, &body); err != nil {
			return nil, err
		}

		return body, nil
	case ClusterUpdateNode:
		var body ClusterUpdateNodeBody

		if err := json.Unmarshal(command.Data, &body); err != nil {
			return nil, err
		}

		return body, nil
	case ClusterPurgeClosed:
		return ClusterPurgeClosedBody{}, nil
	}

	return nil, ENoSuchCommand
}
