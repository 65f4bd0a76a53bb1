package serf

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/clustermesh/clustermesh/memberlist"
)

func testKeyring() (*memberlist.Keyring, error) {
	keys := []string{
		"ZWTL+bgjHyQPhJRKcFe3ccirc2SFHmc/Nw67l8NQfdk=",
		"WbL6oaTPom+7RG7Q/INbJWKy09OLar/Hf2SuOAdoQE4=",
		"HvY8ubRZMgafUOWvrOadwOckVa1wN3QWAo46FVKbVN8=",
	}

	keysDecoded := make([][]byte, len(keys))
	for i, key := range keys {
		decoded, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			return nil, err
		}
		keysDecoded[i] = decoded
	}

	return memberlist.NewKeyring(keysDecoded, keysDecoded[0])
}

func testKeyringSerf(t *testing.T, name string, port int) (*Serf, error) {
	config := testConfig(t, name, port)

	keyring, err := testKeyring()
	if err != nil {
		return nil, err
	}
	config.MemberlistConfig.Keyring = keyring

	return Create(config)
}

func keyExistsInRing(kr *memberlist.Keyring, key []byte) bool {
	for _, installedKey := range kr.GetKeys() {
		if bytes.Equal(key, installedKey) {
			return true
		}
	}
	return false
}

func TestSerf_InstallKey(t *testing.T) {
	s1, err := testKeyringSerf(t, "node1", 18970)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s1.Shutdown()

	s2, err := testKeyringSerf(t, "node2", 18971)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s2.Shutdown()

	primaryKey := s1.config.MemberlistConfig.Keyring.GetPrimaryKey()

	_, err = s1.Join([]string{fmt.Sprintf("127.0.0.1:%d", s2.config.MemberlistConfig.BindPort)}, false)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	waitUntilNumNodes(t, 2, s1, s2)

	newKey := "HvY8ubRZMgafUOWvrOadwOckVa1wN3QWAo46FVKbVN8="
	newKeyBytes, err := base64.StdEncoding.DecodeString(newKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	manager := s1.KeyManager()

	_, err = manager.InstallKey(newKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if !bytes.Equal(primaryKey, s1.config.MemberlistConfig.Keyring.GetPrimaryKey()) {
		t.Fatal("Unexpected primary key change on s1")
	}

	if !bytes.Equal(primaryKey, s2.config.MemberlistConfig.Keyring.GetPrimaryKey()) {
		t.Fatal("Unexpected primary key change on s2")
	}

	if !keyExistsInRing(s1.config.MemberlistConfig.Keyring, newKeyBytes) {
		t.Fatal("Newly-installed key not found in keyring on s1")
	}

	if !keyExistsInRing(s2.config.MemberlistConfig.Keyring, newKeyBytes) {
		t.Fatal("Newly-installed key not found in keyring on s2")
	}
}

func TestSerf_UseKey(t *testing.T) {
	s1, err := testKeyringSerf(t, "node1", 18972)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s1.Shutdown()

	s2, err := testKeyringSerf(t, "node2", 18973)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s2.Shutdown()

	_, err = s1.Join([]string{fmt.Sprintf("127.0.0.1:%d", s2.config.MemberlistConfig.BindPort)}, false)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	waitUntilNumNodes(t, 2, s1, s2)

	useKey := "HvY8ubRZMgafUOWvrOadwOckVa1wN3QWAo46FVKbVN8="
	useKeyBytes, err := base64.StdEncoding.DecodeString(useKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	manager := s1.KeyManager()

	_, err = manager.UseKey(useKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if !bytes.Equal(useKeyBytes, s1.config.MemberlistConfig.Keyring.GetPrimaryKey()) {
		t.Fatal("Unexpected primary key on s1")
	}

	if !bytes.Equal(useKeyBytes, s2.config.MemberlistConfig.Keyring.GetPrimaryKey()) {
		t.Fatal("Unexpected primary key on s2")
	}

	_, err = manager.UseKey("T9jncgl9mbLus+baTTa7q7nPSUrXwbDi2dhbtqir37s=")
	if err == nil {
		t.Fatalf("Expected error changing to non-existent primary key")
	}
}

func TestSerf_RemoveKey(t *testing.T) {
	s1, err := testKeyringSerf(t, "node1", 18974)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s1.Shutdown()

	s2, err := testKeyringSerf(t, "node2", 18975)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s2.Shutdown()

	_, err = s1.Join([]string{fmt.Sprintf("127.0.0.1:%d", s2.config.MemberlistConfig.BindPort)}, false)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	waitUntilNumNodes(t, 2, s1, s2)

	removeKey := "WbL6oaTPom+7RG7Q/INbJWKy09OLar/Hf2SuOAdoQE4="
	removeKeyBytes, err := base64.StdEncoding.DecodeString(removeKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	manager := s1.KeyManager()

	_, err = manager.RemoveKey(removeKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if keyExistsInRing(s1.config.MemberlistConfig.Keyring, removeKeyBytes) {
		t.Fatal("Key not removed from keyring on s1")
	}

	if keyExistsInRing(s2.config.MemberlistConfig.Keyring, removeKeyBytes) {
		t.Fatal("Key not removed from keyring on s2")
	}
}

func TestSerf_ListKeys(t *testing.T) {
	s1, err := testKeyringSerf(t, "node1", 18976)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s1.Shutdown()

	s2, err := testKeyringSerf(t, "node2", 18977)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s2.Shutdown()

	manager := s1.KeyManager()

	initialKeyringLen := len(s1.config.MemberlistConfig.Keyring.GetKeys())

	extraKey := "5K9OtfP7efFrNKe5WCQvXvnaXJ5cWP0SvXiwe0kkjM4="
	extraKeyBytes, err := base64.StdEncoding.DecodeString(extraKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	s2.config.MemberlistConfig.Keyring.AddKey(extraKeyBytes)

	_, err = s1.Join([]string{fmt.Sprintf("127.0.0.1:%d", s2.config.MemberlistConfig.BindPort)}, false)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	waitUntilNumNodes(t, 2, s1, s2)

	resp, err := manager.ListKeys()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	expected := initialKeyringLen + 1
	if expected != len(resp.Keys) {
		t.Fatalf("Expected %d keys in result, found %d", expected, len(resp.Keys))
	}

	found := false
	for key := range resp.Keys {
		if key == extraKey {
			found = true
		}
	}
	if !found {
		t.Fatalf("Did not find expected key in list: %s", extraKey)
	}

	for key, num := range resp.Keys {
		if key == extraKey && num != 1 {
			t.Fatalf("Expected 1 nodes with key %s but have %d", extraKey, num)
		}
	}

	if len(resp.PrimaryKeys) != 1 {
		t.Fatalf("Expected one primary key, but have %v", len(resp.PrimaryKeys))
	}

	for key := range resp.PrimaryKeys {
		if key == extraKey {
			t.Fatal("extrakey shouldn't be the primary key")
		}
	}
}
