package catalog

import "errors"

var (
	// ErrCategoryRequired is returned when addProduct is called without a category.
	ErrCategoryRequired = errors.New("catalog: category required")

	// ErrBrandRequired is returned when addProduct is called without a brand.
	ErrBrandRequired = errors.New("catalog: brand required")

	// ErrSlugRequired is returned when brand/model normalize to an empty slug.
	ErrSlugRequired = errors.New("catalog: slug required")

	// ErrProductNotFound is returned when updateProduct targets an unknown pid.
	ErrProductNotFound = errors.New("catalog: product not found")

	// ErrProductAlreadyExists is returned when addProduct targets an existing pid.
	ErrProductAlreadyExists = errors.New("catalog: product already exists")

	// ErrBrandInUse is returned when a rename collides with an existing product.
	ErrBrandInUse = errors.New("catalog: brand in use")
)
