package routes

import (
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/PelionIoT/chanmesh/cluster"
	. "github.com/PelionIoT/chanmesh/error"
	. "github.com/PelionIoT/chanmesh/logging"
)

type ClusterEndpoint struct {
	ClusterFacade ClusterFacade
}

func (clusterEndpoint *ClusterEndpoint) Attach(router *mux.Router) {
	// Submit a command. Only the leader accepts these. Other nodes point the
	// caller at the leader.
	router.HandleFunc("/cluster/commands", func(w http.ResponseWriter, r *http.Request) {
		body, err := ioutil.ReadAll(r.Body)

		if err != nil {
			Log.Warningf("POST /cluster/commands: %v", err)

			w.Header().Set("Content-Type", "application/json; charset=utf8")
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, string(EReadBody.JSON())+"\n")

			return
		}

		command, err := cluster.DecodeClusterCommand(body)

		if err != nil {
			Log.Warningf("POST /cluster/commands: Unable to parse command body: %v", err)

			w.Header().Set("Content-Type", "application/json; charset=utf8")
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, string(ECommandBody.JSON())+"\n")

			return
		}

		if !clusterEndpoint.ClusterFacade.IsLeader() {
			leader, ok := clusterEndpoint.ClusterFacade.Leader()

			if !ok {
				Log.Debugf("POST /cluster/commands: No leader is known right now")

				w.Header().Set("Content-Type", "application/json; charset=utf8")
				w.WriteHeader(http.StatusServiceUnavailable)
				io.WriteString(w, string(ENoLeader.JSON())+"\n")

				return
			}

			encodedRedirect, _ := json.Marshal(cluster.ForwardToLeader{LeaderID: leader.NodeID, Address: leader})

			w.Header().Set("Content-Type", "application/json; charset=utf8")
			w.WriteHeader(http.StatusMisdirectedRequest)
			io.WriteString(w, string(encodedRedirect)+"\n")

			return
		}

		response, err := clusterEndpoint.ClusterFacade.Submit(r.Context(), command)

		// a refusal by the state machine is still a committed command
		if err != nil && response.Error == nil {
			Log.Warningf("POST /cluster/commands: Unable to submit command of type %d: %v", command.Type, err.Error())

			w.Header().Set("Content-Type", "application/json; charset=utf8")

			switch err {
			case ECommandBody:
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, string(ECommandBody.JSON())+"\n")
			case EDuplicateNodeID:
				w.WriteHeader(http.StatusConflict)
				io.WriteString(w, string(EDuplicateNodeID.JSON())+"\n")
			case cluster.EStopped:
				w.WriteHeader(http.StatusServiceUnavailable)
				io.WriteString(w, string(ENoLeader.JSON())+"\n")
			default:
				w.WriteHeader(http.StatusInternalServerError)
				io.WriteString(w, string(EProposalError.JSON())+"\n")
			}

			return
		}

		encodedResponse, _ := json.Marshal(response)

		w.Header().Set("Content-Type", "application/json; charset=utf8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, string(encodedResponse)+"\n")
	}).Methods("POST")

	router.HandleFunc("/cluster/owners", func(w http.ResponseWriter, r *http.Request) {
		encodedOwners, _ := json.Marshal(clusterEndpoint.ClusterFacade.Owners())

		w.Header().Set("Content-Type", "application/json; charset=utf8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, string(encodedOwners)+"\n")
	}).Methods("GET")

	router.HandleFunc("/cluster/owners/{channelID}", func(w http.ResponseWriter, r *http.Request) {
		record, ok := clusterEndpoint.ClusterFacade.Owner(mux.Vars(r)["channelID"])

		if !ok {
			w.Header().Set("Content-Type", "application/json; charset=utf8")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, string(ENoSuchChannel.JSON())+"\n")

			return
		}

		encodedRecord, _ := json.Marshal(record)

		w.Header().Set("Content-Type", "application/json; charset=utf8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, string(encodedRecord)+"\n")
	}).Methods("GET")

	// Forget closed channels so their IDs can be reused
	router.HandleFunc("/cluster/owners", func(w http.ResponseWriter, r *http.Request) {
		purged, err := clusterEndpoint.ClusterFacade.PurgeClosed(r.Context())

		if err != nil {
			Log.Warningf("DELETE /cluster/owners: Unable to purge closed channels: %v", err.Error())

			writeWriteError(w, err)

			return
		}

		encodedResult, _ := json.Marshal(AffectedChannels{Affected: purged})

		w.Header().Set("Content-Type", "application/json; charset=utf8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, string(encodedResult)+"\n")
	}).Methods("DELETE")

	router.HandleFunc("/cluster/nodes", func(w http.ResponseWriter, r *http.Request) {
		var overview ClusterOverview

		overview.LocalNodeID = clusterEndpoint.ClusterFacade.LocalNodeID()
		overview.Nodes = clusterEndpoint.ClusterFacade.Nodes()

		if leader, ok := clusterEndpoint.ClusterFacade.Leader(); ok {
			overview.LeaderID = leader.NodeID
		}

		encodedOverview, _ := json.Marshal(overview)

		w.Header().Set("Content-Type", "application/json; charset=utf8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, string(encodedOverview)+"\n")
	}).Methods("GET")

	router.HandleFunc("/cluster/nodes/{nodeID}", func(w http.ResponseWriter, r *http.Request) {
		nodeID, ok := parseNodeID(w, r, "DELETE /cluster/nodes/{nodeID}")

		if !ok {
			return
		}

		if err := clusterEndpoint.ClusterFacade.RemoveNode(r.Context(), nodeID); err != nil {
			Log.Warningf("DELETE /cluster/nodes/{nodeID}: Unable to remove node %d: %v", nodeID, err.Error())

			writeWriteError(w, err)

			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "\n")
	}).Methods("DELETE")

	// Mark every channel owned by a node as closed. Node ID 0 means this node.
	router.HandleFunc("/cluster/nodes/{nodeID}/shutdown", func(w http.ResponseWriter, r *http.Request) {
		nodeID, ok := parseNodeID(w, r, "POST /cluster/nodes/{nodeID}/shutdown")

		if !ok {
			return
		}

		nodeID = clusterEndpoint.localNodeIDOr(nodeID)
		closed, err := clusterEndpoint.ClusterFacade.NodeShutdown(r.Context(), nodeID)

		if err != nil {
			Log.Warningf("POST /cluster/nodes/{nodeID}/shutdown: Unable to close channels of node %d: %v", nodeID, err.Error())

			writeWriteError(w, err)

			return
		}

		encodedResult, _ := json.Marshal(AffectedChannels{Affected: closed})

		w.Header().Set("Content-Type", "application/json; charset=utf8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, string(encodedResult)+"\n")
	}).Methods("POST")
}

func (clusterEndpoint *ClusterEndpoint) localNodeIDOr(nodeID uint64) uint64 {
	if nodeID == 0 {
		return clusterEndpoint.ClusterFacade.LocalNodeID()
	}

	return nodeID
}

func parseNodeID(w http.ResponseWriter, r *http.Request, route string) (uint64, bool) {
	nodeID, err := strconv.ParseUint(mux.Vars(r)["nodeID"], 10, 64)

	if err != nil {
		Log.Warningf("%s: Invalid node ID", route)

		w.Header().Set("Content-Type", "application/json; charset=utf8")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, "\n")

		return 0, false
	}

	return nodeID, true
}

func writeWriteError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf8")

	if dbError, ok := err.(DBerror); ok {
		if dbError == ENoLeader {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusBadRequest)
		}

		io.WriteString(w, string(dbError.JSON())+"\n")

		return
	}

	w.WriteHeader(http.StatusBadGateway)
	io.WriteString(w, string(EProposalError.JSON())+"\n")
}
