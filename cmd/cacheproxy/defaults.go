package main

import (
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/0x4D31/cacheproxy/internal/config"
	"github.com/0x4D31/cacheproxy/internal/loader"
)

const (
	defaultConfigFile = loader.DefaultConfigFile
	shutdownTimeout   = 5 * time.Second
)

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Sources: cli.EnvVars("CACHEPROXY_CONFIG")},
		&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Sources: cli.EnvVars("CACHEPROXY_LISTEN"), DefaultText: config.DefaultBind},
		&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Sources: cli.EnvVars("CACHEPROXY_WORKERS"), DefaultText: strconv.Itoa(config.DefaultWorkers)},
		&cli.IntFlag{Name: "queue-size", Aliases: []string{"q"}, Sources: cli.EnvVars("CACHEPROXY_QUEUE_SIZE"), DefaultText: strconv.Itoa(config.DefaultQueueSize)},
		&cli.IntFlag{Name: "cache-slots", Aliases: []string{"k"}, Sources: cli.EnvVars("CACHEPROXY_CACHE_SLOTS"), DefaultText: strconv.Itoa(config.DefaultCacheSlots)},
		&cli.IntFlag{Name: "max-object-size", Sources: cli.EnvVars("CACHEPROXY_MAX_OBJECT_SIZE"), DefaultText: strconv.Itoa(config.DefaultMaxObjectSize)},
		&cli.StringFlag{Name: "user-agent", Sources: cli.EnvVars("CACHEPROXY_USER_AGENT")},
		&cli.BoolFlag{Name: "coalesce-misses", Sources: cli.EnvVars("CACHEPROXY_COALESCE_MISSES")},
		&cli.StringFlag{Name: "access-log", Aliases: []string{"o"}, Sources: cli.EnvVars("CACHEPROXY_ACCESS_LOG")},
		&cli.StringFlag{Name: "access-db", Sources: cli.EnvVars("CACHEPROXY_ACCESS_DB")},
		&cli.BoolFlag{Name: "enable-admin", Sources: cli.EnvVars("CACHEPROXY_ENABLE_ADMIN")},
		&cli.StringFlag{Name: "admin-addr", DefaultText: config.DefaultAdminAddr, Sources: cli.EnvVars("CACHEPROXY_ADMIN_ADDR")},
		&cli.StringFlag{Name: "admin-token", Sources: cli.EnvVars("CACHEPROXY_ADMIN_TOKEN")},
		&cli.BoolFlag{Name: "enable-sse", Sources: cli.EnvVars("CACHEPROXY_ENABLE_SSE")},
		&cli.StringFlag{Name: "sse-addr", DefaultText: config.DefaultSSEAddr, Sources: cli.EnvVars("CACHEPROXY_SSE_ADDR")},
	}
}
