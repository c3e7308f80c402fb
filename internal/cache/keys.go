package cache

import "fmt"

func EmbeddingKey(model, textHash string) string {
	return fmt.Sprintf("embed:%s:%s", model, textHash)
}
