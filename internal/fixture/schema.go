// Package fixture provides a seeded, in-process GraphQL source that speaks
// the paginated list-query contract. Tests across the pipeline use it.
package fixture

import (
	"fmt"
	"os"
	"path/filepath"
)

// SDL is the supply-chain schema served by Source.
const SDL = `directive @search(by: [String!]) on FIELD_DEFINITION

type Query {
  artifacts(first: Int!, after: String): ArtifactPage!
  packages(first: Int!, after: String): PackagePage!
  vulnerabilities(first: Int!, after: String): VulnerabilityPage!
  dependsOn(first: Int!, after: String): DependsOnPage!
  affects(first: Int!, after: String): AffectsPage!
}

type Artifact @key(fields: "algorithm digest") {
  algorithm: String!
  digest: String!
  size: Int
  mediaType: String
}

enum Ecosystem {
  NPM
  PYPI
  GO
  MAVEN
}

type Package @key(fields: "ecosystem namespace name version") {
  ecosystem: Ecosystem!
  namespace: String!
  name: String! @search(by: ["term"])
  version: String!
  licenses: [String!]
  artifact: Artifact
  checksums: [Checksum!]
  maintainers: [Maintainer!]
}

type Checksum {
  algorithm: String!
  value: String!
}

type Maintainer {
  email: String!
  name: String
}

type Vulnerability @key(fields: "osvId") {
  osvId: String!
  summary: String
  severity: Float
  withdrawn: Boolean
}

type DependsOn {
  dependent: Package!
  dependency: Package!
  scope: String!
  optional: Boolean
}

type Affects {
  vulnerability: Vulnerability!
  package: Package!
  fixedIn: String
}

type ArtifactPage {
  records: [Artifact!]!
  nextCursor: String
  hasMore: Boolean!
}

type PackagePage {
  records: [Package!]!
  nextCursor: String
  hasMore: Boolean!
}

type VulnerabilityPage {
  records: [Vulnerability!]!
  nextCursor: String
  hasMore: Boolean!
}

type DependsOnPage {
  records: [DependsOn!]!
  nextCursor: String
  hasMore: Boolean!
}

type AffectsPage {
  records: [Affects!]!
  nextCursor: String
  hasMore: Boolean!
}
`

// Queries is the query library for SDL, one operation per type.
var Queries = map[string]string{
	"Artifact": `query Artifacts($first: Int!, $after: String) {
  artifacts(first: $first, after: $after) {
    records { algorithm digest size mediaType }
    nextCursor
    hasMore
  }
}
`,
	"Package": `query Packages($first: Int!, $after: String) {
  packages(first: $first, after: $after) {
    records {
      ecosystem namespace name version licenses
      artifact { algorithm digest }
      checksums { algorithm value }
      maintainers { email name }
    }
    nextCursor
    hasMore
  }
}
`,
	"Vulnerability": `query Vulnerabilities($first: Int!, $after: String) {
  vulnerabilities(first: $first, after: $after) {
    records { osvId summary severity withdrawn }
    nextCursor
    hasMore
  }
}
`,
	"DependsOn": `query DependsOn($first: Int!, $after: String) {
  dependsOn(first: $first, after: $after) {
    records {
      dependent { ecosystem namespace name version }
      dependency { ecosystem namespace name version }
      scope
      optional
    }
    nextCursor
    hasMore
  }
}
`,
	"Affects": `query Affects($first: Int!, $after: String) {
  affects(first: $first, after: $after) {
    records {
      vulnerability { osvId }
      package { ecosystem namespace name version }
      fixedIn
    }
    nextCursor
    hasMore
  }
}
`,
}

// rootFields maps the list field of each query to the type it returns.
var rootFields = map[string]string{
	"artifacts":       "Artifact",
	"packages":        "Package",
	"vulnerabilities": "Vulnerability",
	"dependsOn":       "DependsOn",
	"affects":         "Affects",
}

// WriteFiles writes schema.graphql and a queries/ library into dir and
// returns their paths.
func WriteFiles(dir string) (schemaFile, queryDir string, err error) {
	schemaFile = filepath.Join(dir, "schema.graphql")
	if err := os.WriteFile(schemaFile, []byte(SDL), 0o644); err != nil {
		return "", "", err
	}
	queryDir = filepath.Join(dir, "queries")
	if err := os.MkdirAll(queryDir, 0o755); err != nil {
		return "", "", err
	}
	for typeName, q := range Queries {
		path := filepath.Join(queryDir, typeName+".graphql")
		if err := os.WriteFile(path, []byte(q), 0o644); err != nil {
			return "", "", fmt.Errorf("write query %s: %w", typeName, err)
		}
	}
	return schemaFile, queryDir, nil
}
