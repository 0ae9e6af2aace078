package secretbox

import (
	"bytes"
	"errors"
	"testing"
)

func TestBoxSealsAndOpens(t *testing.T) {
	box, err := New(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}

	token, err := box.Encrypt("HIVE-1234")
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}
	if token == "HIVE-1234" {
		t.Fatal("密文不应等于明文")
	}

	again, _ := box.Encrypt("HIVE-1234")
	if again == token {
		t.Fatal("每次加密应使用不同 nonce")
	}

	plain, err := box.Decrypt(token)
	if err != nil {
		t.Fatalf("解密失败: %v", err)
	}
	if plain != "HIVE-1234" {
		t.Fatalf("期望 HIVE-1234, 实际 %s", plain)
	}
}

func TestBoxRejectsForeignCiphertext(t *testing.T) {
	a, _ := New(bytes.Repeat([]byte{1}, 32))
	b, _ := New(bytes.Repeat([]byte{2}, 32))

	token, _ := a.Encrypt("secret")
	if _, err := b.Decrypt(token); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("错误密钥应返回 ErrDecrypt, 实际 %v", err)
	}
	if _, err := a.Decrypt("!!!"); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("非法编码应返回 ErrDecrypt, 实际 %v", err)
	}
	if _, err := a.Decrypt("AAAA"); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("过短密文应返回 ErrDecrypt, 实际 %v", err)
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Fatal("短密钥应报错")
	}
}
