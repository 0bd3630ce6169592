package config

import (
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate Firecrawl config
	errors = append(errors, validateEndpoint("firecrawl.api_url", "Firecrawl", c.Firecrawl.APIURL)...)

	if c.Firecrawl.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "firecrawl.api_key",
			Message: "Firecrawl API key is required (or set FIRECRAWL_API_KEY)",
		})
	}

	if c.Firecrawl.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "firecrawl.rate_limit",
			Message: "rate_limit must be positive",
		})
	}

	if c.Firecrawl.TimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "firecrawl.timeout_seconds",
			Message: "timeout_seconds must be positive",
		})
	}

	// Validate RAGFlow config
	errors = append(errors, validateEndpoint("ragflow.api_url", "RAGFlow", c.RAGFlow.APIURL)...)

	if c.RAGFlow.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "ragflow.api_key",
			Message: "RAGFlow API key is required (or set RAGFLOW_API_KEY)",
		})
	}

	if c.RAGFlow.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "ragflow.max_retries",
			Message: "max_retries must be non-negative",
		})
	}

	if c.RAGFlow.TimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "ragflow.timeout_seconds",
			Message: "timeout_seconds must be positive",
		})
	}

	// Validate Output config
	if c.Output.Dir == "" {
		errors = append(errors, ValidationError{
			Field:   "output.dir",
			Message: "output directory is required",
		})
	}

	// Validate Processor config
	if c.Processor.MaxChunkSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "processor.max_chunk_size",
			Message: "max_chunk_size must be positive",
		})
	}

	// Validate Pipeline config
	if c.Pipeline.Workers < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.workers",
			Message: "workers must be positive",
		})
	}

	if c.Pipeline.WaitMin < 0 || c.Pipeline.WaitMax < c.Pipeline.WaitMin {
		errors = append(errors, ValidationError{
			Field:   "pipeline.wait_max",
			Message: "wait_min must be non-negative and not exceed wait_max",
		})
	}

	// Validate Mirror config, only when enabled
	if c.MirrorEnabled() {
		if c.Mirror.VectorDim < 1 {
			errors = append(errors, ValidationError{
				Field:   "mirror.vector_dim",
				Message: "vector_dim must be positive",
			})
		}
		if c.Mirror.TableName == "" {
			errors = append(errors, ValidationError{
				Field:   "mirror.table_name",
				Message: "table_name is required when database_url is set",
			})
		}
	}

	return errors
}

func validateEndpoint(field, name, raw string) []ValidationError {
	if raw == "" {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("%s API URL is required", name),
		}}
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("invalid %s API URL", name),
		}}
	}

	return nil
}
