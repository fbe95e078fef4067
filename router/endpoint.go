package router

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	. "github.com/PelionIoT/chanmesh/error"
	. "github.com/PelionIoT/chanmesh/logging"
	"github.com/PelionIoT/chanmesh/protocol"
)

// RouterEndpoint receives packets forwarded by other nodes and hands them to
// local sessions. It never forwards again.
type RouterEndpoint struct {
	Session LocalSession
}

func (routerEndpoint *RouterEndpoint) Attach(router *mux.Router) {
	router.HandleFunc(PacketsEndpoint, func(w http.ResponseWriter, r *http.Request) {
		var request RouterRequest

		decoder := json.NewDecoder(r.Body)

		if err := decoder.Decode(&request); err != nil {
			Log.Warningf("POST %s: Unable to parse request body: %v", PacketsEndpoint, err.Error())

			w.Header().Set("Content-Type", "application/json; charset=utf8")
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, string(EReadBody.JSON())+"\n")

			return
		}

		packet, err := protocol.Read(request.Packet)

		if err != nil {
			Log.Warningf("POST %s: Unable to decode packet for channel %s: %v", PacketsEndpoint, request.ChannelID, err.Error())

			w.Header().Set("Content-Type", "application/json; charset=utf8")
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, string(EInvalidPacket.JSON())+"\n")

			return
		}

		if err := routerEndpoint.Session.Send(request.ChannelID, packet); err != nil {
			if err == EUnknownChannel {
				Log.Infof("POST %s: No local session for channel %s", PacketsEndpoint, request.ChannelID)

				w.Header().Set("Content-Type", "application/json; charset=utf8")
				w.WriteHeader(http.StatusNotFound)
				io.WriteString(w, string(EUnknownChannel.JSON())+"\n")

				return
			}

			Log.Warningf("POST %s: Unable to deliver packet to channel %s: %v", PacketsEndpoint, request.ChannelID, err.Error())

			w.Header().Set("Content-Type", "application/json; charset=utf8")
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, string(DBerror{Msg: err.Error(), ErrorCode: -1}.JSON())+"\n")

			return
		}

		encodedResponse, _ := json.Marshal(RouterResponse{Packet: request.Packet})

		w.Header().Set("Content-Type", "application/json; charset=utf8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, string(encodedResponse)+"\n")
	}).Methods("POST")
}
