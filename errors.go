package ragserve

import (
	"errors"

	"github.com/rosset/ragserve/catalog"
	"github.com/rosset/ragserve/embedding"
	"github.com/rosset/ragserve/filestore"
	"github.com/rosset/ragserve/graphstore"
	"github.com/rosset/ragserve/llm"
	"github.com/rosset/ragserve/parser"
	"github.com/rosset/ragserve/vectorstore"
)

// The engine surfaces the sentinel errors of its subsystems under one roof
// so callers can match with errors.Is without importing every subpackage.
var (
	// ErrKBNotFound is returned when a knowledge base ID or name does not exist.
	ErrKBNotFound = catalog.ErrKBNotFound

	// ErrFileNotFound is returned when a file ID does not exist.
	ErrFileNotFound = catalog.ErrFileNotFound

	// ErrAssistantNotFound is returned when an assistant ID does not exist.
	ErrAssistantNotFound = catalog.ErrAssistantNotFound

	// ErrConversationNotFound is returned when a conversation ID does not exist.
	ErrConversationNotFound = catalog.ErrConversationNotFound

	// ErrDuplicateName is returned when a unique name is already taken.
	ErrDuplicateName = catalog.ErrDuplicateName

	// ErrEmbeddingMismatch is returned when an operation spans knowledge bases
	// with different embedding providers or models.
	ErrEmbeddingMismatch = catalog.ErrEmbeddingMismatch

	// ErrEmbeddingImmutable is returned when changing the embedding model of a
	// knowledge base that already has chunks.
	ErrEmbeddingImmutable = catalog.ErrEmbeddingImmutable

	// ErrUnsupportedType is returned for file extensions outside the supported set.
	ErrUnsupportedType = parser.ErrUnsupportedType

	// ErrParseFailed is returned when a stored document of a supported type
	// cannot be parsed.
	ErrParseFailed = parser.ErrParseFailed

	// ErrFileTooLarge is returned when an upload exceeds the size cap.
	ErrFileTooLarge = filestore.ErrFileTooLarge

	// ErrInvalidName is returned for empty or path-traversing filenames.
	ErrInvalidName = filestore.ErrInvalidName

	// ErrVectorStoreUnavailable is returned when the vector store is unreachable.
	ErrVectorStoreUnavailable = vectorstore.ErrUnavailable

	// ErrCollectionNotFound is returned when a vector collection does not exist.
	ErrCollectionNotFound = vectorstore.ErrCollectionNotFound

	// ErrGraphUnavailable is returned when the graph store is unreachable or disabled.
	ErrGraphUnavailable = graphstore.ErrUnavailable

	// ErrEntityNotFound is returned when a graph entity lookup misses.
	ErrEntityNotFound = graphstore.ErrEntityNotFound

	// ErrProviderUnavailable is returned when the chat model runtime is unreachable.
	ErrProviderUnavailable = llm.ErrUnavailable

	// ErrEmbedderUnavailable is returned when the embedding runtime is unreachable.
	ErrEmbedderUnavailable = embedding.ErrUnavailable

	// ErrModelNotFound is returned when a named model is not installed on the runtime.
	ErrModelNotFound = llm.ErrModelNotFound

	// ErrGenerationTimeout is returned when generation exceeds its deadline.
	// Callers should shorten the prompt or lower max_tokens.
	ErrGenerationTimeout = llm.ErrTimeout

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = vectorstore.ErrClosed
)

// Errors owned by the engine itself.
var (
	// ErrModelInUse is returned when a model is still referenced by knowledge
	// bases or active assistants.
	ErrModelInUse = errors.New("ragserve: model is in use")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("ragserve: invalid configuration")
)
