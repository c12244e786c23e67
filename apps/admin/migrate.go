package main

import (
	"github.com/DICKSON39/elearning/core"
	"github.com/DICKSON39/elearning/storage/database"
)

var (
	gooseRunFunc     = database.RunGoose         // mockable
	createIfNotExist = database.CreateIfNotExist // mockable
)

func (cli *commandLine) migrate(args []string) error {
	arguments := make([]string, 0)
	if len(args) > 1 {
		arguments = append(arguments, args[1:]...)
	}
	return gooseRunFunc(args[0], cli.db, arguments...)
}

func (cli *commandLine) createDB() error {
	return createIfNotExist(core.Conf)
}
