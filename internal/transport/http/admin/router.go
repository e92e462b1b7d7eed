package adminhttp

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"perpagent/internal/control"
	"perpagent/internal/pkg/symbol"
	"perpagent/internal/trader"
)

const maxListLimit = 500

type Router struct {
	cfg     ServerConfig
	control *control.Router
}

func NewRouter(cfg ServerConfig) *Router {
	return &Router{cfg: cfg, control: control.NewRouter(cfg.Target)}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/status", r.handleStatus)
	group.POST("/resume", r.handleResumeAll)
	group.POST("/symbols/:symbol/pause", r.command(control.VerbPause))
	group.POST("/symbols/:symbol/resume", r.command(control.VerbResume))
	group.POST("/symbols/:symbol/close", r.command(control.VerbClose))
	group.GET("/positions/closed", r.handleClosed)
	group.GET("/events", r.handleEvents)
	group.GET("/pnl/chart", r.handleChart)
}

func (r *Router) handleStatus(c *gin.Context) {
	halted, reason := r.cfg.Target.Halted()
	resp := gin.H{
		"halted":  halted,
		"traders": r.cfg.Target.Statuses(),
	}
	if halted {
		resp["halt_reason"] = reason
	}
	if r.cfg.Account != nil {
		resp["account"] = r.cfg.Account.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleResumeAll(c *gin.Context) {
	reply, err := r.control.Handle(c.Request.Context(), control.Command{Verb: control.VerbResume})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": reply.Text})
}

type closeRequest struct {
	Reason string `json:"reason"`
}

func (r *Router) command(verb control.Verb) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Param("symbol")
		sym := symbol.Normalize(raw)
		if sym == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid symbol: " + raw})
			return
		}
		cmd := control.Command{Verb: verb, Symbol: sym}
		if verb == control.VerbClose {
			var req closeRequest
			if c.Request.ContentLength > 0 {
				if err := c.ShouldBindJSON(&req); err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
					return
				}
			}
			cmd.Reason = strings.TrimSpace(req.Reason)
			if cmd.Reason == "" {
				cmd.Reason = "manual"
			}
		}
		reply, err := r.control.Handle(c.Request.Context(), cmd)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": reply.Text})
	}
}

func (r *Router) handleClosed(c *gin.Context) {
	if r.cfg.Ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger 未启用"})
		return
	}
	sym, limit, ok := listParams(c)
	if !ok {
		return
	}
	rows, err := r.cfg.Ledger.ListClosed(c.Request.Context(), sym, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": rows, "count": len(rows)})
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.cfg.Ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger 未启用"})
		return
	}
	sym, limit, ok := listParams(c)
	if !ok {
		return
	}
	rows, err := r.cfg.Ledger.ListEvents(c.Request.Context(), sym, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": rows, "count": len(rows)})
}

func (r *Router) handleChart(c *gin.Context) {
	if r.cfg.Charts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chart 未启用"})
		return
	}
	sym := ""
	if raw := strings.TrimSpace(c.Query("symbol")); raw != "" {
		if sym = symbol.Normalize(raw); sym == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid symbol: " + raw})
			return
		}
	}
	html, err := r.cfg.Charts.RenderHTML(c.Request.Context(), sym)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

func listParams(c *gin.Context) (string, int, bool) {
	sym := ""
	if raw := strings.TrimSpace(c.Query("symbol")); raw != "" {
		if sym = symbol.Normalize(raw); sym == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid symbol: " + raw})
			return "", 0, false
		}
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return "", 0, false
		}
		limit = min(n, maxListLimit)
	}
	return sym, limit, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, control.ErrUnknownSymbol):
		status = http.StatusNotFound
	case errors.Is(err, trader.ErrNoPosition):
		status = http.StatusConflict
	case errors.Is(err, control.ErrInvalidSymbol), errors.Is(err, control.ErrMissingSymbol):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
