package doubleratchet

import (
	"e2e_messaging/internal/cryptographic/kdf"
)

// KDFRootKey derives a new RootKey and ChainKey from the old root key + DH output.
// Uses HKDF with SHA-256, info = "RootKDF".
func KDFRootKey(rootKey, dhOut []byte) (newRootKey, newChainKey []byte, err error) {
	salt := rootKey           // old root key acts as salt
	ikm := dhOut              // input key material = DH output
	info := []byte("RootKDF") // domain separation

	buffer := make([]byte, 64)
	_, err = kdf.HKDF(ikm, salt, info, buffer)
	if err != nil {
		return nil, nil, err
	}

	return buffer[:32], buffer[32:], nil
}

// KDFChainKey derives the next ChainKey and a MessageKey. The step is one
// way: a chain key never yields the message keys that came before it.
func KDFChainKey(chainKey []byte) (nextChainKey, msgKey []byte, err error) {
	salt := chainKey
	ikm := []byte("ChainInput")
	info := []byte("ChainKDF")

	buffer := make([]byte, 64)
	_, err = kdf.HKDF(ikm, salt, info, buffer)
	if err != nil {
		return nil, nil, err
	}

	return buffer[:32], buffer[32:], nil
}
