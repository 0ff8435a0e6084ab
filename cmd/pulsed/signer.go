package main

import (
	"os"
	"strings"

	"AgentPulse/internal/config"
	xerrors "AgentPulse/internal/errors"
	"AgentPulse/internal/wallet"
)

// buildSigner 按 private_key > keystore_path > private_key_env 的顺序选择密钥来源。
func buildSigner(c config.WalletConfig) (wallet.Signer, error) {
	if key := strings.TrimSpace(c.PrivateKey); key != "" {
		return wallet.NewKeySignerFromHex(key)
	}
	if c.KeystorePath != "" {
		ks, err := wallet.NewKeystoreSigner(c.KeystorePath)
		if err != nil {
			return nil, err
		}
		passphrase := ""
		if c.PassphraseEnv != "" {
			passphrase = os.Getenv(c.PassphraseEnv)
		}
		if err := ks.Unlock(passphrase); err != nil {
			return nil, err
		}
		return ks, nil
	}
	if c.PrivateKeyEnv == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置签名密钥")
	}
	return wallet.NewKeySignerFromEnv(c.PrivateKeyEnv)
}
