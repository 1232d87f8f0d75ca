// Package project loads the build and launch settings of a project.
//
// Settings come from three sources, later ones winning:
//
//  1. stratum.yaml in the build context;
//  2. a .env file in the build context, which only fills variables that are
//     not already set in the process environment;
//  3. the environment: STRATUM_* variables for build settings and APP_*
//     variables for launch defaults.
//
// A missing stratum.yaml is not an error; every setting has a default.
// Unknown keys are rejected so typos do not go unnoticed.
//
// Example stratum.yaml:
//
//	tag: registry.example.com/shop/api:1.4.2
//	install:
//	  timeout: 5m
//	  retries: 2
//	launch:
//	  command: uvicorn main:app
//	  hostFlag: --host
//	  portFlag: --port
//	  reloadFlag: --reload
package project
