package bitcoind

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tu-usuario/cryptopay/internal/domain/entity"
)

// Las cadenas tipo Core comparten el formato de script y dirección de
// Bitcoin; solo cambian los bytes de versión y el prefijo bech32. Con eso
// alcanza para decodificar direcciones y extraer salidas, que es todo lo que
// este proveedor necesita de los parámetros.

func litecoinParams(testnet bool) *chaincfg.Params {
	params := chaincfg.MainNetParams
	params.Name = "litecoin"
	params.PubKeyHashAddrID = 0x30
	params.ScriptHashAddrID = 0x32
	params.PrivateKeyID = 0xb0
	params.Bech32HRPSegwit = "ltc"
	if testnet {
		params = chaincfg.TestNet3Params
		params.Name = "litecoin-testnet"
		params.ScriptHashAddrID = 0x3a
		params.Bech32HRPSegwit = "tltc"
	}
	return &params
}

func dogecoinParams(testnet bool) *chaincfg.Params {
	params := chaincfg.MainNetParams
	params.Name = "dogecoin"
	params.PubKeyHashAddrID = 0x1e
	params.ScriptHashAddrID = 0x16
	params.PrivateKeyID = 0x9e
	params.Bech32HRPSegwit = ""
	if testnet {
		params = chaincfg.TestNet3Params
		params.Name = "dogecoin-testnet"
		params.PubKeyHashAddrID = 0x71
		params.ScriptHashAddrID = 0xc4
		params.Bech32HRPSegwit = ""
	}
	return &params
}

// netParams parámetros de red para la moneda. Bitcoin usa los de chaincfg tal
// cual; Litecoin y Dogecoin ajustan los bytes de versión.
func netParams(currency entity.CryptoCurrency, testnet bool) *chaincfg.Params {
	switch currency {
	case entity.CurrencyLTC:
		return litecoinParams(testnet)
	case entity.CurrencyDOGE:
		return dogecoinParams(testnet)
	default:
		if testnet {
			return &chaincfg.TestNet3Params
		}
		return &chaincfg.MainNetParams
	}
}
