package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"RehabSessionHub/api/handlers"
	"RehabSessionHub/internal/loadtest"
	"RehabSessionHub/internal/module"
	"RehabSessionHub/internal/session"
)

func newProbeCommand() *cobra.Command {
	var (
		baseURL   string
		userID    string
		secret    string
		clients   int
		moduleID  string
		params    string
		keepAlive bool
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "并发创建会话，检查只有一个请求获得槽位",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			body, err := json.Marshal(handlers.CreateSessionRequest{
				Module:  module.ID(moduleID),
				Patient: session.PatientInfo{Name: "Probe Patient", Ailment: "contention probe"},
				Params:  json.RawMessage(params),
			})
			if err != nil {
				return err
			}

			cfg := loadtest.DefaultContentionConfig(baseURL, userID, body)
			cfg.ConcurrentClients = clients
			cfg.EngineSecret = secret
			cfg.EndWinner = !keepAlive

			result, err := loadtest.NewContentionProbe(cfg).Run(ctx)
			if result != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				_ = enc.Encode(result)
			}
			if err != nil {
				return err
			}
			if !result.Exclusive() {
				return fmt.Errorf("slot exclusivity violated or probe could not create: status codes %v", result.StatusCodes)
			}
			fmt.Fprintln(os.Stderr, "✅ exactly one create succeeded")
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "服务 HTTP 地址")
	cmd.Flags().StringVar(&userID, "user", "", "仪表盘用户 ID（必须已存在）")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("SESSIONHUB_ENGINE_CLIENT_SECRET"), "引擎密钥，用于结束获胜会话")
	cmd.Flags().IntVar(&clients, "clients", 20, "并发请求数")
	cmd.Flags().StringVar(&moduleID, "module", string(module.LateralMovement), "模块 ID")
	cmd.Flags().StringVar(&params, "params", `{"duration":60,"cubeGap":2,"speed":1.5,"isStanding":true,"targetSide":"both","rightOffsetCentimeters":25,"leftOffsetCentimeters":25,"cubeScaleDecimeters":3,"spawningDistanceMetres":10,"spawnHeightDecimetres":12,"zThresholdInMetres":0.4}`, "模块参数 JSON")
	cmd.Flags().BoolVar(&keepAlive, "keep", false, "保留获胜的会话，不自动结束")
	return cmd
}
