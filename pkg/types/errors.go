package types

import "errors"

// 錯誤分類，所有元件以 %w 包裝後向上傳遞，呼叫端用 errors.Is 判斷
var (
	ErrValidation             = errors.New("scenario validation failed")
	ErrAlreadyExists          = errors.New("scenario already exists")
	ErrNotFound               = errors.New("scenario not found")
	ErrEvaluation             = errors.New("objective evaluation failed")
	ErrWorkerFailure          = errors.New("optimization worker failed")
	ErrPersistenceUnavailable = errors.New("persistence backend unavailable")
)
