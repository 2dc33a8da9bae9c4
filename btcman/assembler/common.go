package assembler

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// DecodeAddress decodes a string address to btcutil.Address
func DecodeAddress(addressStr string, network *chaincfg.Params) (btcutil.Address, error) {
	address, err := btcutil.DecodeAddress(addressStr, network)
	if err != nil {
		return nil, err
	}
	return address, nil
}

func GetMainnetParams() *chaincfg.Params {
	return &chaincfg.MainNetParams
}

func GetTestnetParams() *chaincfg.Params {
	return &chaincfg.TestNet3Params
}

func GetRegtestParams() *chaincfg.Params {
	return &chaincfg.RegressionNetParams
}

// NetworkParams maps a network name from the durable config to chain params.
func NetworkParams(name string) *chaincfg.Params {
	switch name {
	case "mainnet":
		return GetMainnetParams()
	case "testnet":
		return GetTestnetParams()
	default:
		return GetRegtestParams()
	}
}
