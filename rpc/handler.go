package rpc

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"moor/eventlog"
	"moor/logging"
	"moor/server"
	"moor/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Host is the subset of *server.Server the RPC handler needs. Kept as an
// interface so the handler doesn't have to import the concrete server
// package's full surface, mirroring the WorkerDispatcher seam in
// builtins/worker.go.
type Host interface {
	GetScheduler() *server.Scheduler
	GetConnManager() *server.ConnectionManager
	GetEventLog() *eventlog.Log
	CallOptionalHook(name string, args ...types.Value) error
}

// Handler serves the Host RPC websocket endpoint (spec.md §4.6/§6.1).
type Handler struct {
	host     Host
	registry *Registry
	log      zerolog.Logger
}

func NewHandler(host Host, registry *Registry) *Handler {
	return &Handler{host: host, registry: registry, log: logging.Component("rpc")}
}

func newAuthToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("rpc websocket upgrade failed")
		return
	}
	defer conn.Close()

	var session *Session
	defer func() {
		if session != nil {
			h.registry.Remove(session.AuthToken)
			session.transport.Close()
		}
	}()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Kind {
		case MsgAuthenticate:
			session, err = h.handleAuthenticate(env, conn)
			if err != nil {
				h.sendError(conn, err)
				continue
			}

		case MsgAttach:
			if session == nil {
				h.sendError(conn, fmt.Errorf("not authenticated"))
				continue
			}
			var req AttachRequest
			if jsonErr := decodePayload(env, &req); jsonErr != nil || req.AuthToken != session.AuthToken {
				h.sendError(conn, fmt.Errorf("invalid attach request"))
				continue
			}
			session.setAttached(conn)
			resp, _ := encodeEnvelope(MsgAttached, AttachedResponse{ClientID: session.ClientID})
			conn.WriteJSON(resp)

		case MsgCommand:
			var req CommandRequest
			if jsonErr := decodePayload(env, &req); jsonErr != nil || session == nil || req.AuthToken != session.AuthToken {
				h.sendError(conn, fmt.Errorf("invalid command request"))
				continue
			}
			session.transport.Send(req.Line)

		case MsgEval:
			var req EvalRequest
			if jsonErr := decodePayload(env, &req); jsonErr != nil || session == nil || req.AuthToken != session.AuthToken {
				h.sendError(conn, fmt.Errorf("invalid eval request"))
				continue
			}
			literal := h.host.GetScheduler().EvalForRPC(session.Player, req.ProgramText)
			resp, _ := encodeEnvelope(MsgEvalResult, EvalResponse{ResultLiteral: literal})
			conn.WriteJSON(resp)

		case MsgGetProperty:
			var req GetPropertyRequest
			if jsonErr := decodePayload(env, &req); jsonErr != nil || session == nil || req.AuthToken != session.AuthToken {
				h.sendError(conn, fmt.Errorf("invalid get_property request"))
				continue
			}
			code := fmt.Sprintf("return %s.(%s);", req.Object, quoteMOOString(req.Name))
			literal := h.host.GetScheduler().EvalForRPC(session.Player, code)
			resp, _ := encodeEnvelope(MsgProperty, PropertyResponse{Object: req.Object, Name: req.Name, ValueLiteral: literal})
			conn.WriteJSON(resp)

		case MsgSetProperty:
			var req SetPropertyRequest
			if jsonErr := decodePayload(env, &req); jsonErr != nil || session == nil || req.AuthToken != session.AuthToken {
				h.sendError(conn, fmt.Errorf("invalid set_property request"))
				continue
			}
			nameLit := quoteMOOString(req.Name)
			code := fmt.Sprintf("%s.(%s) = %s; return %s.(%s);", req.Object, nameLit, req.ValueLiteral, req.Object, nameLit)
			literal := h.host.GetScheduler().EvalForRPC(session.Player, code)
			resp, _ := encodeEnvelope(MsgProperty, PropertyResponse{Object: req.Object, Name: req.Name, ValueLiteral: literal})
			conn.WriteJSON(resp)

		case MsgListProperties:
			var req ListPropertiesRequest
			if jsonErr := decodePayload(env, &req); jsonErr != nil || session == nil || req.AuthToken != session.AuthToken {
				h.sendError(conn, fmt.Errorf("invalid list_properties request"))
				continue
			}
			code := fmt.Sprintf("return properties(%s);", req.Object)
			literal := h.host.GetScheduler().EvalForRPC(session.Player, code)
			resp, _ := encodeEnvelope(MsgPropertiesList, PropertiesListResponse{Object: req.Object, ResultLiteral: literal})
			conn.WriteJSON(resp)

		case MsgGetVerb:
			var req GetVerbRequest
			if jsonErr := decodePayload(env, &req); jsonErr != nil || session == nil || req.AuthToken != session.AuthToken {
				h.sendError(conn, fmt.Errorf("invalid get_verb request"))
				continue
			}
			code := fmt.Sprintf("return verb_code(%s, %s);", req.Object, quoteMOOString(req.Name))
			literal := h.host.GetScheduler().EvalForRPC(session.Player, code)
			resp, _ := encodeEnvelope(MsgVerb, VerbResponse{Object: req.Object, Name: req.Name, ResultLiteral: literal})
			conn.WriteJSON(resp)

		case MsgSetVerb:
			var req SetVerbRequest
			if jsonErr := decodePayload(env, &req); jsonErr != nil || session == nil || req.AuthToken != session.AuthToken {
				h.sendError(conn, fmt.Errorf("invalid set_verb request"))
				continue
			}
			nameLit := quoteMOOString(req.Name)
			code := fmt.Sprintf("set_verb_code(%s, %s, %s); return verb_code(%s, %s);",
				req.Object, nameLit, codeListLiteral(req.Code), req.Object, nameLit)
			literal := h.host.GetScheduler().EvalForRPC(session.Player, code)
			resp, _ := encodeEnvelope(MsgVerb, VerbResponse{Object: req.Object, Name: req.Name, ResultLiteral: literal})
			conn.WriteJSON(resp)

		case MsgListVerbs:
			var req ListVerbsRequest
			if jsonErr := decodePayload(env, &req); jsonErr != nil || session == nil || req.AuthToken != session.AuthToken {
				h.sendError(conn, fmt.Errorf("invalid list_verbs request"))
				continue
			}
			code := fmt.Sprintf("return verbs(%s);", req.Object)
			literal := h.host.GetScheduler().EvalForRPC(session.Player, code)
			resp, _ := encodeEnvelope(MsgVerbsList, VerbsListResponse{Object: req.Object, ResultLiteral: literal})
			conn.WriteJSON(resp)

		case MsgHistory:
			var req HistoryRequest
			if jsonErr := decodePayload(env, &req); jsonErr != nil || session == nil || req.AuthToken != session.AuthToken {
				h.sendError(conn, fmt.Errorf("invalid history request"))
				continue
			}
			events, next := session.historySnapshot(req.Cursor, req.Limit)
			resp, _ := encodeEnvelope(MsgHistoryPage, HistoryPageResponse{Events: events, NextCursor: next})
			conn.WriteJSON(resp)

		case MsgDismiss:
			var req DismissRequest
			if jsonErr := decodePayload(env, &req); jsonErr != nil || session == nil || req.AuthToken != session.AuthToken {
				h.sendError(conn, fmt.Errorf("invalid dismiss request"))
				continue
			}
			_ = h.host.CallOptionalHook("handle_dismiss", types.NewObj(session.Player), types.NewStr(req.PresentationID))

		default:
			h.sendError(conn, fmt.Errorf("unknown message kind %q", env.Kind))
		}
	}
}

func (h *Handler) handleAuthenticate(env Envelope, ws Conn) (*Session, error) {
	var req AuthenticateRequest
	if err := decodePayload(env, &req); err != nil {
		return nil, err
	}
	if req.Mode != "connect" && req.Mode != "create" {
		return nil, fmt.Errorf("mode must be \"connect\" or \"create\"")
	}

	cm := h.host.GetConnManager()
	transport := server.NewPipeTransport()
	conn := cm.NewConnectionFromTransport(transport)
	go cm.HandleConnection(conn)

	line := req.Mode + " " + req.Credentials
	transport.Send(line)

	deadline := time.Now().Add(3 * time.Second)
	for !conn.IsLoggedIn() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !conn.IsLoggedIn() {
		transport.Close()
		return nil, fmt.Errorf("authentication failed or timed out")
	}

	token, err := newAuthToken()
	if err != nil {
		transport.Close()
		return nil, err
	}

	session := &Session{
		AuthToken: token,
		ClientID:  req.ClientID,
		Player:    conn.GetPlayer(),
		conn:      conn,
		transport: transport,
		eventLog:  h.host.GetEventLog(),
	}
	h.registry.Add(session)

	// Bridge: every line the connection writes (notify(), command output,
	// traceback text) is forwarded to the attached RPC client as a
	// narrative event. Runs until the PipeTransport is closed.
	go func() {
		for {
			line, ok := <-transport.OutputChan()
			if !ok {
				return
			}
			session.pushNarrative(NarrativeEvent{
				ClientID:    session.ClientID,
				ContentType: "text/plain",
				Content:     line,
			})
		}
	}()

	resp := AuthenticateResponse{
		AuthToken: token,
		PlayerOID: types.NewObj(session.Player).String(),
		ClientID:  session.ClientID,
	}
	envResp, _ := encodeEnvelope(MsgAuthenticated, resp)
	ws.WriteJSON(envResp)

	return session, nil
}

func (h *Handler) sendError(ws Conn, err error) {
	env, encErr := encodeEnvelope(MsgError, ErrorResponse{Message: err.Error()})
	if encErr != nil {
		return
	}
	ws.WriteJSON(env)
}

func decodePayload(env Envelope, v interface{}) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("missing payload for %q", env.Kind)
	}
	return json.Unmarshal(env.Payload, v)
}

// quoteMOOString renders s as a MOO string literal (double-quoted,
// backslash-escaping backslashes and double quotes).
func quoteMOOString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// codeListLiteral renders a []string as a MOO list-of-strings literal,
// e.g. {"line one", "line two"}, for splicing into generated eval source.
func codeListLiteral(lines []string) string {
	out := "{"
	for i, l := range lines {
		if i > 0 {
			out += ", "
		}
		out += quoteMOOString(l)
	}
	out += "}"
	return out
}
