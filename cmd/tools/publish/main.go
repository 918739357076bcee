package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"livetrader/internal/ops"
	"livetrader/internal/schema"
	"livetrader/internal/transport"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

func main() {
	transportName := flag.String("transport", ops.TransportPubSub, "pubsub or redis")
	project := flag.String("project", os.Getenv("GOOGLE_CLOUD_PROJECT"), "Google Cloud project")
	redisAddr := flag.String("redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	topic := flag.String("topic", "", "Topic (default: market-data, or crypto-data for pairs)")
	symbol := flag.String("symbol", "", "Symbol attribute when lines do not carry one")
	file := flag.String("file", "-", "JSON lines file, - for stdin")
	delay := flag.Duration("delay", 0, "Delay between messages")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var factory transport.Factory
	switch *transportName {
	case ops.TransportPubSub:
		factory = transport.PubSubFactory(transport.PubSubOption{ProjectID: *project})
	case ops.TransportRedis:
		factory = transport.RedisFactory(transport.RedisOption{Addr: *redisAddr})
	default:
		logs.Errorf("publish: unknown transport: %s", *transportName)
		os.Exit(1)
	}

	in := io.Reader(os.Stdin)
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			logs.Errorf("publish: open input, err: %+v", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	client, err := factory(ctx)
	if err != nil {
		logs.Errorf("publish: create client, err: %+v", err)
		os.Exit(1)
	}
	defer client.Close()

	n, err := publish(ctx, client, in, *topic, schema.Symbol(*symbol), *delay)
	logs.Infof("publish: done, published: %d", n)
	if err != nil {
		logs.Errorf("publish: %+v", err)
		os.Exit(1)
	}
}

func publish(ctx context.Context, client transport.Client, in io.Reader, topic string, fallback schema.Symbol, delay time.Duration) (int, error) {
	defaults := ops.Default()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	published := 0
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		symbol, err := lineSymbol([]byte(raw), fallback)
		if err != nil {
			return published, errors.Wrap(err, "parse line").With("line", line)
		}
		t := topic
		if t == "" {
			t = defaults.Topic(symbol)
		}
		id, err := client.Publish(ctx, t, []byte(raw), map[string]string{"symbol": string(symbol)})
		if err != nil {
			return published, errors.Wrap(err, "publish").With("line", line).With("topic", t)
		}
		published++
		logs.Infof("publish: sent, id: %s, topic: %s, symbol: %s", id, t, symbol)

		if delay > 0 {
			select {
			case <-ctx.Done():
				return published, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return published, scanner.Err()
}

// lineSymbol reads the symbol a JSON line belongs to.
func lineSymbol(raw []byte, fallback schema.Symbol) (schema.Symbol, error) {
	var fields map[string]any
	if err := sonic.Unmarshal(raw, &fields); err != nil {
		return "", err
	}
	for _, key := range []string{"symbol", "S"} {
		if s, ok := fields[key].(string); ok && s != "" {
			return schema.Symbol(s), nil
		}
	}
	if fallback == "" {
		return "", errors.New("line has no symbol and -symbol is not set")
	}
	return fallback, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
