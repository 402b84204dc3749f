package gatekeeper

import (
	"net/http"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/httputil"
	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
)

// Setup registers POST /check on router. The endpoint always answers 200:
// a request it cannot parse is allowed.
func Setup(router *mux.Router, g *Gatekeeper) {
	router.Handle("/check", httputil.MakeJSONAPI("gatekeeper_check", func(req *http.Request) util.JSONResponse {
		var check CheckRequest
		if resErr := httputil.UnmarshalJSONRequest(req, &check); resErr != nil {
			util.GetLogger(req.Context()).WithField("code", resErr.Code).Warn("Allowing unparseable check request")
			decisions.WithLabelValues(string(ActionAllow), "invalid").Inc()
			return allow()
		}
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: CheckResponse{Action: g.Check(req.Context(), &check)},
		}
	})).Methods(http.MethodPost)
}

func allow() util.JSONResponse {
	return util.JSONResponse{Code: http.StatusOK, JSON: CheckResponse{Action: ActionAllow}}
}
