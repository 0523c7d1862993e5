// Package errs содержит сигнальные ошибки, общие для слоёв хранения и бизнес-логики.
package errs

import "errors"

var (
	// ErrNotFound возвращается, если запрашиваемая сущность не существует.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict возвращается при нарушении оптимистичной блокировки кошелька.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicateReference возвращается хранилищем при повторной проводке с той же ссылкой.
	ErrDuplicateReference = errors.New("duplicate ledger reference")

	// ErrInsufficientFunds возвращается, если сумма списания превышает баланс.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWithdrawalFrozen возвращается при попытке вывода с замороженного кошелька.
	ErrWithdrawalFrozen = errors.New("withdrawal frozen")

	// ErrBelowMinimum возвращается, если сумма вывода меньше минимальной для тарифа.
	ErrBelowMinimum = errors.New("amount below minimum withdrawal")

	// ErrExceedsWithdrawable возвращается, если сумма вывода превышает доступную к выводу.
	ErrExceedsWithdrawable = errors.New("amount exceeds withdrawable balance")

	// ErrInvalidAmount возвращается при неположительной сумме операции.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidInput возвращается при некорректных параметрах отчёта клиента.
	ErrInvalidInput = errors.New("invalid input")
)
