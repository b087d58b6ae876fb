package run

import "sync"

// Vault 在进程内保管运行关联的私钥。私钥不参与持久化与排队，进程重启后
// 对应的运行将以 RUN_SECRET_LOST 终止。
type Vault struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewVault 创建一个空的保险库。
func NewVault() *Vault {
	return &Vault{secrets: make(map[string]string)}
}

// Put 保存运行的私钥。空私钥不占用条目。
func (v *Vault) Put(runID, secret string) {
	if v == nil || runID == "" || secret == "" {
		return
	}
	v.mu.Lock()
	v.secrets[runID] = secret
	v.mu.Unlock()
}

// Get 返回运行的私钥。重试期间私钥保持可用，直至运行终止。
func (v *Vault) Get(runID string) (string, bool) {
	if v == nil {
		return "", false
	}
	v.mu.RLock()
	secret, ok := v.secrets[runID]
	v.mu.RUnlock()
	return secret, ok
}

// Delete 在运行终止后清除私钥。
func (v *Vault) Delete(runID string) {
	if v == nil {
		return
	}
	v.mu.Lock()
	delete(v.secrets, runID)
	v.mu.Unlock()
}

// Len 返回当前保管的私钥数量。
func (v *Vault) Len() int {
	if v == nil {
		return 0
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.secrets)
}
