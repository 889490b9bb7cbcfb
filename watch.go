package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"

	"RehabSessionHub/internal/grpcserver"
	"RehabSessionHub/internal/wsclient"
)

type watchOptions struct {
	url      string
	grpcAddr string
	userID   string
	secret   string
}

func newWatchCommand() *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "订阅当前会话变化并逐行输出 JSON 事件",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if opts.grpcAddr != "" {
				return watchGRPC(ctx, opts, cmd.OutOrStdout())
			}
			return watchWebSocket(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:8080/api/v1/ws/session", "会话推送 WebSocket 地址")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc", "", "改用 gRPC 引擎服务地址订阅，例如 localhost:9090")
	cmd.Flags().StringVar(&opts.userID, "user", "", "仪表盘用户 ID")
	cmd.Flags().StringVar(&opts.secret, "secret", os.Getenv("SESSIONHUB_ENGINE_CLIENT_SECRET"), "引擎密钥")
	return cmd
}

func watchWebSocket(ctx context.Context, opts *watchOptions, out io.Writer) error {
	cfg := wsclient.DefaultClientConfig(opts.url)
	cfg.UserID = opts.userID
	cfg.Secret = opts.secret

	enc := json.NewEncoder(out)
	client := wsclient.New(cfg)
	client.SetEventHandler(func(ev wsclient.Event) {
		_ = enc.Encode(ev)
	})
	client.SetStateChangeHandler(func(oldState, newState wsclient.ClientState) {
		fmt.Fprintf(os.Stderr, "🔄 %s -> %s\n", oldState, newState)
	})
	return client.Run(ctx)
}

func watchGRPC(ctx context.Context, opts *watchOptions, out io.Writer) error {
	conn, err := grpc.NewClient(opts.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial grpc %s: %w", opts.grpcAddr, err)
	}
	defer conn.Close()

	if opts.secret != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, grpcserver.SecretMetadataKey, opts.secret)
	}
	stream, err := grpcserver.NewEngineClient(conn).WatchSession(ctx)
	if err != nil {
		return err
	}

	for {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		line, err := protojson.Marshal(ev)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(line))
	}
}
