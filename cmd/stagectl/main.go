package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/wulonghui/dea-ng/internal/config"
	deagrpc "github.com/wulonghui/dea-ng/internal/grpc"
	"github.com/wulonghui/dea-ng/internal/logger"
	"github.com/wulonghui/dea-ng/internal/nats"
	"github.com/wulonghui/dea-ng/internal/responders"
)

func main() {
	def := config.Default()
	var (
		natsURL     = flag.String("nats", def.NATS.URL, "NATS server URL")
		grpcAddr    = flag.String("grpc", "localhost"+def.GRPC.Addr, "DEA gRPC address for -status")
		appID       = flag.String("app", "", "application id to stage")
		downloadURI = flag.String("download-uri", "", "where the DEA fetches the app package")
		uploadURI   = flag.String("upload-uri", "", "where the DEA uploads the droplet")
		buildpack   = flag.String("buildpack", "", "optional buildpack git URL")
		status      = flag.String("status", "", "print the status of a staging task instead of staging")
		timeout     = flag.Duration("timeout", 30*time.Second, "how long to wait for a reply")
		level       = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()

	logger.Init("stagectl", *level)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *status != "" {
		if err := printStatus(ctx, *grpcAddr, *status); err != nil {
			logger.Logger.Fatal().Err(err).Str("task_id", *status).Msg("Failed to get staging task")
		}
		return
	}

	if *appID == "" {
		fmt.Fprintln(os.Stderr, "stagectl: -app is required")
		flag.Usage()
		os.Exit(2)
	}

	payload := map[string]interface{}{
		"app_id":       *appID,
		"download_uri": *downloadURI,
		"upload_uri":   *uploadURI,
	}
	if *buildpack != "" {
		payload["buildpack"] = *buildpack
	}

	if err := stage(ctx, *natsURL, payload, *timeout); err != nil {
		logger.Logger.Fatal().Err(err).Str("app_id", *appID).Msg("Staging request failed")
	}
}

func stage(ctx context.Context, url string, payload map[string]interface{}, timeout time.Duration) error {
	client, err := nats.NewClient(ctx, nats.Options{URL: url, Name: "stagectl"})
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.Request(responders.StagingAsyncSubject, payload, timeout)
	if err != nil {
		return err
	}
	return printJSON(reply.Data)
}

func printStatus(ctx context.Context, addr, taskID string) error {
	client, err := deagrpc.NewClient(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	rec, err := client.GetTaskStatus(ctx, taskID)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
