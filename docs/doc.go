// Package docs provides generated OpenAPI documentation.
//
// airp API
//
//	@title			airp API
//	@version		1.0
//	@description	Novel ingestion and role-play retrieval API for managing novels, pipeline jobs, and grounded queries.
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@schemes	http https
package docs

//go:generate swag init -g ../cmd/airp/serve.go -o ./swagger --parseDependency --parseInternal
