package connection

import (
	"context"
	"fmt"

	"github.com/scrapli/scrapligo/driver/generic"
	"github.com/scrapli/scrapligo/driver/options"
	"github.com/scrapli/scrapligo/logging"
	"github.com/scrapli/scrapligo/util"

	"github.com/charlesren/netpriv/internal/logger"
)

// ScrapliOpener 通过 scrapligo generic 驱动建立通道
type ScrapliOpener struct {
	// LogLevel scrapligo 内部日志级别: debug, info, critical。为空时为 info
	LogLevel string
}

// NewScrapliOpener 创建 scrapligo 通道工厂
func NewScrapliOpener(logLevel string) *ScrapliOpener {
	return &ScrapliOpener{LogLevel: logLevel}
}

func (o *ScrapliOpener) driverOptions(cfg *SessionConfig) ([]util.Option, error) {
	level := o.LogLevel
	if level == "" {
		level = logging.Info
	}
	li, err := logging.NewInstance(
		logging.WithLevel(level),
		logging.WithLogger(logger.Printer("scrapli")),
	)
	if err != nil {
		return nil, fmt.Errorf("create scrapli logger failed: %w", err)
	}

	opts := []util.Option{
		options.WithLogger(li),
		options.WithTransportType(string(cfg.ScrapliTransport)),
		options.WithPort(cfg.Port),
		options.WithAuthUsername(cfg.Username),
		options.WithTimeoutSocket(cfg.ConnectTimeout),
		options.WithTimeoutOps(cfg.TimeoutOps),
		options.WithReadDelay(cfg.ReadDelay),
		options.WithReturnChar(cfg.ReturnChar),
		options.WithPromptSearchDepth(cfg.PromptSearchDepth),
		options.WithTermWidth(cfg.TermWidth),
		options.WithTermHeight(cfg.TermHeight),
	}
	if cfg.Password != "" {
		opts = append(opts, options.WithAuthPassword(cfg.Password))
	}
	if cfg.PrivateKeyPath != "" {
		opts = append(opts, options.WithAuthPrivateKey(cfg.PrivateKeyPath, cfg.Passphrase))
	}
	if cfg.StrictHostKey {
		opts = append(opts, options.WithSSHKnownHostsFile(cfg.KnownHostsFile))
	} else {
		opts = append(opts, options.WithAuthNoStrictKey())
	}
	return opts, nil
}

// Open 建立连接。scrapligo 的 Open 不接受 context，这里用 goroutine 包装以便超时返回，
// 超时后晚到的连接会被关闭。
func (o *ScrapliOpener) Open(ctx context.Context, cfg *SessionConfig) (Channel, error) {
	if cfg.ScrapliTransport == "" {
		cfg.ScrapliTransport = ScrapliTransportStandard
	}
	logger.Debugf("scrapli", "opening %s with config: %+v", cfg.Address(), cfg.Redacted())

	opts, err := o.driverOptions(cfg)
	if err != nil {
		return nil, err
	}

	d, err := generic.NewDriver(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create scrapli driver failed: %w", err)
	}

	resultChan := make(chan error, 1)
	go func() {
		resultChan <- d.Open()
	}()

	select {
	case <-ctx.Done():
		logger.Warnf("scrapli", "open %s timed out or cancelled: %v", cfg.Address(), ctx.Err())
		go func() {
			if err := <-resultChan; err == nil {
				_ = d.Close()
			}
		}()
		return nil, ctx.Err()
	case err := <-resultChan:
		if err != nil {
			return nil, classifyOpenError(fmt.Errorf("open connection failed: %w", err))
		}
	}

	logger.Infof("scrapli", "connection to %s opened", cfg.Address())
	return newScrapliChannel(cfg.Host, d), nil
}
