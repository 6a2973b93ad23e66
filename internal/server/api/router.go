package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter builds the gorilla/mux router for §6's route table,
// grounded on cmd/restic/web's CreateRouterWeb — same library, same
// pattern of one route per handler method on a shared struct.
func NewRouter(s *Server) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/create", s.HandleCreate).Methods(http.MethodPost)
	r.HandleFunc("/verify", s.HandleVerify).Methods(http.MethodPatch)
	r.HandleFunc("/chunk", s.HandleChunk).Methods(http.MethodPost)
	r.HandleFunc("/merge", s.HandleMerge).Methods(http.MethodPost)

	r.HandleFunc("/file/{uploadId}/{fileName}", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		s.HandleFile(w, req, vars["uploadId"], vars["fileName"])
	}).Methods(http.MethodGet)

	r.HandleFunc("/progress/{uploadId}", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		s.HandleProgress(w, req, vars["uploadId"])
	}).Methods(http.MethodGet)

	return r
}
