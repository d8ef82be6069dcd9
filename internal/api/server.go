// Package api provides the admin HTTP/JSON-RPC surface and the legacy
// HTTP getwork endpoint for miners that cannot speak the MMP protocol
// directly.
package api

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cfsworks/mmpd/internal/account"
	"github.com/cfsworks/mmpd/internal/midstate"
	"github.com/cfsworks/mmpd/internal/mmp"
	"github.com/cfsworks/mmpd/internal/util"
	"github.com/cfsworks/mmpd/internal/workunit"
)

// getworkPaddingHex and getworkHash1Hex are the fixed trailer bytes the
// classic Bitcoin getwork wire format appends to a header, and the hash1
// value it expects back; both are constant regardless of the work served.
var (
	getworkPaddingHex = "00000080" + strings.Repeat("00000000", 10) + "80020000"
	getworkHash1Hex   = strings.Repeat("00000000", 8) + "00000080" + strings.Repeat("00000000", 6) + "00010000"
)

// WorkSource is the subset of the WorkProvider the admin API needs.
type WorkSource interface {
	GetWork(ctx context.Context, desiredMask uint32) (*workunit.WorkUnit, error)
	SendResult(result []byte) (bool, error)
}

// Server serves the admin JSON-RPC API, legacy getwork, and static files.
type Server struct {
	Accounts *account.Store
	Work     WorkSource
	MMP      *mmp.Server
	Root     string

	router     *gin.Engine
	httpServer *http.Server

	mu           sync.Mutex
	assignedWork map[int64][]*workunit.WorkUnit
}

type rpcRequestBody struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// New constructs the admin API server. mmpServer may be nil if the
// connection-management RPC methods (listconnections, sendmsg, disconnect,
// setconnectionmeta) are not needed.
func New(accounts *account.Store, work WorkSource, mmpServer *mmp.Server, root string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		Accounts:     accounts,
		Work:         work,
		MMP:          mmpServer,
		Root:         root,
		assignedWork: make(map[int64][]*workunit.WorkUnit),
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.NoRoute(s.handleGet)
	s.router.POST("/", s.handlePost)
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ip string, port int) error {
	addr := fmt.Sprintf("%s:%d", ip, port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}

	util.Infof("api: listening on %s", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("api: server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleGet(c *gin.Context) {
	if s.Root == "" {
		c.Status(http.StatusNotFound)
		return
	}
	c.File(s.Root + c.Request.URL.Path)
}

// authenticate performs HTTP Basic auth against the account store,
// returning the authenticated account or nil.
func (s *Server) authenticate(c *gin.Context) *account.Account {
	username, password, ok := c.Request.BasicAuth()
	if !ok {
		return nil
	}
	acc, err := s.Accounts.Lookup(c.Request.Context(), username)
	if err != nil || !acc.Exists() {
		return nil
	}
	valid, err := acc.CheckPassword(c.Request.Context(), password)
	if err != nil || !valid {
		return nil
	}
	return acc
}

func rpcErrorBody(code int, msg string) gin.H {
	return gin.H{
		"result": nil,
		"error":  gin.H{"code": code, "message": msg},
		"id":     nil,
	}
}

func (s *Server) handlePost(c *gin.Context) {
	c.Header("WWW-Authenticate", `Basic realm="mmpd admin"`)
	c.Header("Content-Type", "application/json")

	acc := s.authenticate(c)
	if acc == nil {
		c.JSON(http.StatusUnauthorized, rpcErrorBody(-1, "Username/password invalid."))
		return
	}

	var req rpcRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, rpcErrorBody(-32700, "Parse error."))
		return
	}
	if req.Method == "" {
		c.JSON(http.StatusOK, rpcErrorBody(-32600, "Invalid request."))
		return
	}

	ctx := c.Request.Context()
	if req.Method != "getwork" {
		isAdmin, _, err := acc.GetData(ctx, "admin")
		if err != nil || isAdmin != "1" {
			c.JSON(http.StatusOK, rpcErrorBody(-2, "Non-admins restricted to getwork only."))
			return
		}
	}

	result, rpcErr := s.dispatch(ctx, acc, req.Method, req.Params)
	if rpcErr != nil {
		c.JSON(http.StatusOK, rpcErrorBody(rpcErr.code, rpcErr.message))
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result, "error": nil, "id": req.ID})
}

type rpcMethodError struct {
	code    int
	message string
}

func (s *Server) dispatch(ctx context.Context, acc *account.Account, method string, params []interface{}) (interface{}, *rpcMethodError) {
	switch method {
	case "getwork":
		return s.rpcGetwork(ctx, acc, params)
	case "getconfig":
		return s.rpcGetconfig(ctx)
	case "setconfig":
		return s.rpcSetconfig(ctx, params)
	case "getworker":
		return s.rpcGetworker(ctx, params)
	case "setworkerdata":
		return s.rpcSetworkerdata(ctx, params)
	case "setconnectionmeta":
		return s.rpcSetconnectionmeta(params)
	case "addworker":
		return s.rpcAddworker(ctx, params)
	case "deleteworker":
		return s.rpcDeleteworker(ctx, params)
	case "listconnections":
		return s.rpcListconnections(), nil
	case "sendmsg":
		return s.rpcSendmsg(params)
	case "disconnect":
		return s.rpcDisconnect(params)
	default:
		return nil, &rpcMethodError{code: -32601, message: "Method not found."}
	}
}

func (s *Server) rpcGetwork(ctx context.Context, acc *account.Account, params []interface{}) (interface{}, *rpcMethodError) {
	if len(params) > 0 {
		hexStr, ok := params[0].(string)
		if !ok || len(hexStr) < workunit.Size*2 {
			return false, nil
		}
		result, err := hex.DecodeString(hexStr[:workunit.Size*2])
		if err != nil {
			return false, nil
		}

		s.mu.Lock()
		units := s.assignedWork[acc.ID]
		s.mu.Unlock()
		for _, wu := range units {
			if wu.CheckResult(result, nil) {
				s.Work.SendResult(result)
				return true, nil
			}
		}
		return false, nil
	}

	maskStr, _ := acc.GetConfig(ctx, "work_mask", "32")
	mask := uint64(32)
	if m, err := strconv.ParseUint(maskStr, 10, 32); err == nil {
		mask = m
	}

	unit, err := s.Work.GetWork(ctx, uint32(mask))
	if err != nil {
		return nil, &rpcMethodError{code: -1, message: "No work available."}
	}

	s.mu.Lock()
	s.assignedWork[acc.ID] = append(s.assignedWork[acc.ID], unit)
	s.mu.Unlock()

	// The midstate covers the word-swapped header, the same byte order
	// workunit hashes when checking results.
	var prefix [64]byte
	for i := range prefix {
		prefix[i] = unit.Data[i^3]
	}
	ms := midstate.Calculate(prefix[:])

	return gin.H{
		"midstate": hex.EncodeToString(ms[:]),
		"data":     hex.EncodeToString(unit.Data[:]) + getworkPaddingHex,
		"hash1":    getworkHash1Hex,
		"target":   hex.EncodeToString(unit.Target[:]),
		"mask":     unit.Mask,
	}, nil
}

func (s *Server) rpcGetconfig(ctx context.Context) (interface{}, *rpcMethodError) {
	cfg, err := s.Accounts.GetAllConfig(ctx)
	if err != nil {
		return nil, &rpcMethodError{code: -1, message: err.Error()}
	}
	return cfg, nil
}

func (s *Server) rpcSetconfig(ctx context.Context, params []interface{}) (interface{}, *rpcMethodError) {
	if len(params) != 2 {
		return false, nil
	}
	key, _ := params[0].(string)
	val, _ := params[1].(string)
	if err := s.Accounts.SetConfig(ctx, key, val); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *Server) rpcGetworker(ctx context.Context, params []interface{}) (interface{}, *rpcMethodError) {
	if len(params) != 1 {
		return nil, nil
	}
	username, _ := params[0].(string)
	worker, err := s.Accounts.Lookup(ctx, username)
	if err != nil || !worker.Exists() {
		return nil, nil
	}
	data, err := worker.GetAllData(ctx)
	if err != nil {
		return nil, nil
	}

	var conns []gin.H
	if s.MMP != nil {
		for _, c := range s.MMP.ListAccountConnections(username) {
			conns = append(conns, dumpConnection(c))
		}
	}

	return gin.H{
		"id":          worker.ID,
		"username":    worker.Username,
		"data":        data,
		"connections": conns,
	}, nil
}

func (s *Server) rpcSetworkerdata(ctx context.Context, params []interface{}) (interface{}, *rpcMethodError) {
	if len(params) != 3 {
		return false, nil
	}
	username, _ := params[0].(string)
	varName, _ := params[1].(string)
	value, _ := params[2].(string)

	worker, err := s.Accounts.Lookup(ctx, username)
	if err != nil || !worker.Exists() {
		return false, nil
	}
	if err := worker.SetData(ctx, varName, value); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *Server) rpcSetconnectionmeta(params []interface{}) (interface{}, *rpcMethodError) {
	if len(params) != 3 || s.MMP == nil {
		return false, nil
	}
	sessionF, ok := params[0].(float64)
	if !ok {
		return false, nil
	}
	varName, _ := params[1].(string)
	value, _ := params[2].(string)

	conn := s.MMP.GetConnection(int64(sessionF))
	if conn == nil {
		return false, nil
	}
	conn.SetMeta(varName, value)
	return true, nil
}

func (s *Server) rpcAddworker(ctx context.Context, params []interface{}) (interface{}, *rpcMethodError) {
	if len(params) != 2 {
		return nil, nil
	}
	username, _ := params[0].(string)
	password, _ := params[1].(string)

	worker, err := s.Accounts.Lookup(ctx, username)
	if err != nil {
		return nil, nil
	}
	if worker.Exists() {
		return nil, nil
	}
	id, err := worker.Create(ctx)
	if err != nil {
		return nil, nil
	}
	worker.SetData(ctx, "password", password)
	return id, nil
}

func (s *Server) rpcDeleteworker(ctx context.Context, params []interface{}) (interface{}, *rpcMethodError) {
	if len(params) != 1 {
		return false, nil
	}
	username, _ := params[0].(string)
	worker, err := s.Accounts.Lookup(ctx, username)
	if err != nil || !worker.Exists() {
		return false, nil
	}
	if err := worker.Delete(ctx); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *Server) rpcListconnections() interface{} {
	if s.MMP == nil {
		return []gin.H{}
	}
	var out []gin.H
	for _, c := range s.MMP.ListConnections() {
		out = append(out, dumpConnection(c))
	}
	return out
}

func (s *Server) rpcSendmsg(params []interface{}) (interface{}, *rpcMethodError) {
	if len(params) != 2 || s.MMP == nil {
		return false, nil
	}
	sessionF, ok := params[0].(float64)
	if !ok {
		return false, nil
	}
	message, _ := params[1].(string)

	conn := s.MMP.GetConnection(int64(sessionF))
	if conn == nil {
		return false, nil
	}
	conn.SendMsg(message)
	return true, nil
}

func (s *Server) rpcDisconnect(params []interface{}) (interface{}, *rpcMethodError) {
	if len(params) != 1 || s.MMP == nil {
		return false, nil
	}
	sessionF, ok := params[0].(float64)
	if !ok {
		return false, nil
	}
	conn := s.MMP.GetConnection(int64(sessionF))
	if conn == nil {
		return false, nil
	}
	conn.Kick()
	return true, nil
}

func dumpConnection(c *mmp.Connection) gin.H {
	var username interface{}
	if u := c.Username(); u != "" {
		username = u
	}
	return gin.H{
		"username":  username,
		"session":   c.SessionNo(),
		"ip":        c.RemoteAddr(),
		"connected": c.ConnectedAt(),
		"meta":      c.Meta(),
	}
}
