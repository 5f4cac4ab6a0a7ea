package cmd

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/ramp-go/retry"
)

// Moonbeam mainnet
const defaultEvmChainId = 1284

// fileExists checks if a file exists and is readable
func FileExists(filePath string) bool {
	file, err := os.Open(filePath)
	if err != nil {
		return false
	}
	defer file.Close()
	return true
}

func parseBigInt(name, text string) (*big.Int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return big.NewInt(defaultEvmChainId), nil
	}
	v, ok := new(big.Int).SetString(text, 0)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("%s: invalid value %q", name, text)
	}
	return v, nil
}

func parseUint(name, text string, def uint64, bits int) (uint64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(text, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid value %q", name, text)
	}
	return v, nil
}

func parseDuration(name, text string, def time.Duration) (time.Duration, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return def, nil
	}
	d, err := time.ParseDuration(text)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", name, text)
	}
	return d, nil
}

// Redial calls dial until it connects or the policy runs out.
func Redial(ctx context.Context, p retry.Policy, endpoint string, dial func(ctx context.Context) error) error {
	return retry.Do(ctx, p, func(attempt int) error {
		err := dial(ctx)
		if err != nil {
			logger.WithFields(logger.Fields{"endpoint": endpoint, "attempt": attempt}).WithError(err).Warn("rpc dial failed")
		}
		return err
	})
}
