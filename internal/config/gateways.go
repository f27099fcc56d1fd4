package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/joao-fontenele/licenseflow/internal/payment"
	"github.com/joao-fontenele/licenseflow/internal/pricing"
)

type gatewayFile struct {
	Gateways []gatewayEntry `yaml:"gateways"`
}

type gatewayEntry struct {
	ID              string `yaml:"id"`
	Kind            string `yaml:"kind"`
	SignatureHeader string `yaml:"signature_header"`
	Secret          string `yaml:"secret"`
	PayloadFormat   string `yaml:"payload_format"`
	Fee             struct {
		Percent string `yaml:"percent"`
		Fixed   string `yaml:"fixed"`
	} `yaml:"fee"`
}

// LoadGateways reads the gateway registry file. Secrets may reference
// environment variables as ${NAME}.
func LoadGateways(path string) (*payment.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gateways file: %w", err)
	}
	return ParseGateways(data)
}

func ParseGateways(data []byte) (*payment.Registry, error) {
	var file gatewayFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode gateways file: %w", err)
	}

	gateways := make([]payment.Gateway, 0, len(file.Gateways))
	for _, entry := range file.Gateways {
		fee, err := parseFee(entry.Fee.Percent, entry.Fee.Fixed)
		if err != nil {
			return nil, fmt.Errorf("gateway %s: %w", entry.ID, err)
		}

		gateways = append(gateways, payment.Gateway{
			ID:              entry.ID,
			Kind:            payment.GatewayKind(entry.Kind),
			SignatureHeader: entry.SignatureHeader,
			Secret:          os.ExpandEnv(entry.Secret),
			PayloadFormat:   payment.PayloadFormat(entry.PayloadFormat),
			Fee:             fee,
		})
	}

	return payment.NewRegistry(gateways...)
}

func parseFee(percent, fixed string) (pricing.FeeModel, error) {
	var model pricing.FeeModel
	var err error

	if percent != "" {
		if model.Percent, err = decimal.NewFromString(percent); err != nil {
			return model, fmt.Errorf("fee percent: %w", err)
		}
	}
	if fixed != "" {
		if model.Fixed, err = decimal.NewFromString(fixed); err != nil {
			return model, fmt.Errorf("fixed fee: %w", err)
		}
	}
	return model, nil
}
