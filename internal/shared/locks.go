package shared

import "fmt"

// BalanceLockKey builds lock keys for stock balance critical sections.
func BalanceLockKey(key string) string {
	return fmt.Sprintf("stock:balance:%s:lock", key)
}

// TransferLockKey builds lock keys serialising transitions of one transfer.
func TransferLockKey(transferID int64) string {
	return fmt.Sprintf("stock:transfer:%d:lock", transferID)
}

// CountLockKey builds lock keys serialising transitions of one inventory count.
func CountLockKey(countID int64) string {
	return fmt.Sprintf("stock:count:%d:lock", countID)
}
