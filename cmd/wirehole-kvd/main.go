// Wirehole-kvd is a self-hosted key/value signaling daemon.
//
// It speaks the same gist-style HTTP surface the pubsub client expects
// (GET/PATCH one document per channel, one file per field), so peers that
// cannot reach a public gist service can point -gist at this daemon
// instead. Run it behind a TLS terminator; the client refuses plaintext
// endpoints. The store is in-memory by default, Redis when configured.
package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wirehole/wirehole/internal/config"
	"github.com/wirehole/wirehole/kvstore"
)

// channelFields lists the per-channel document fields the pubsub exchange
// uses. GET assembles the document from exactly these.
var channelFields = []string{"offer", "answer"}

type gistFile struct {
	Content string `json:"content"`
}

type gistDoc struct {
	Files map[string]gistFile `json:"files"`
}

func main() {
	cfgPath := flag.String("config", "", "YAML config file")
	listen := flag.String("listen", "", "Bind address (overrides config)")
	flag.Parse()

	var cfg config.Kvd
	if err := config.Load(*cfgPath, &cfg); err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if cfg.Listen == "" {
		cfg.Listen = ":7302"
	}

	logger := newLogger(cfg.Debug)
	defer logger.Sync()

	var store kvstore.Store = kvstore.NewMemory()
	if cfg.Redis != "" {
		store = kvstore.NewRedis(cfg.Redis, cfg.RedisPassword, 0)
		logger.Info("using redis store", zap.String("addr", cfg.Redis))
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Token != "" {
		router.Use(requireToken(cfg.Token))
	}

	router.GET("/:channel", getChannel(store))
	router.PATCH("/:channel", patchChannel(store))

	logger.Info("kv signaling server up", zap.String("listen", cfg.Listen))
	if err := router.Run(cfg.Listen); err != nil {
		logger.Fatal("serve", zap.Error(err))
	}
}

func newLogger(debug bool) *zap.Logger {
	if debug {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

// requireToken enforces a static Bearer token on every request.
func requireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "bad credentials"})
			return
		}
		c.Next()
	}
}

// getChannel assembles the channel document from the known fields.
func getChannel(store kvstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		channel := c.Param("channel")
		doc := gistDoc{Files: make(map[string]gistFile)}
		for _, field := range channelFields {
			value, err := store.Get(c.Request.Context(), channel, field)
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			if err != nil {
				c.JSON(http.StatusBadGateway, gin.H{"message": err.Error()})
				return
			}
			doc.Files[field] = gistFile{Content: base64.StdEncoding.EncodeToString(value)}
		}
		if len(doc.Files) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"message": "Not Found"})
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

// patchChannel merges the posted fields into the channel document.
func patchChannel(store kvstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		channel := c.Param("channel")
		var doc gistDoc
		if err := json.NewDecoder(c.Request.Body).Decode(&doc); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"message": "invalid document"})
			return
		}
		for field, f := range doc.Files {
			value, err := base64.StdEncoding.DecodeString(f.Content)
			if err != nil {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"message": "invalid content encoding"})
				return
			}
			if err := store.Patch(c.Request.Context(), channel, field, value); err != nil {
				c.JSON(http.StatusBadGateway, gin.H{"message": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gistDoc{Files: doc.Files})
	}
}
