// Command server 启动 IoT 消息路由服务：HTTP API、MQTT 接入与 webhook 投递。
//
// @title IoT Router API
// @version 1.0
// @description 设备消息路由、收件箱与 webhook 投递接口
// @BasePath /
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
package main

import (
	"flag"
	"os"

	"go.uber.org/zap"

	"github.com/taoyao-code/iot-router/internal/app/bootstrap"
	cfgpkg "github.com/taoyao-code/iot-router/internal/config"
	"github.com/taoyao-code/iot-router/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "config file path (defaults to $IOT_CONFIG or configs/example.yaml)")
	flag.Parse()

	// 1) 加载配置
	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	// 3) 启动
	if err := bootstrap.Run(cfg, zap.L()); err != nil {
		zap.L().Error("server exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
