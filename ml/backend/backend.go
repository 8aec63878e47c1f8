package backend

import (
	_ "github.com/semvit/semvit/ml/backend/dense"
)
